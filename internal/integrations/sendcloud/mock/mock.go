package mock

import (
	"context"
	"strings"

	"github.com/BearBump/ShipSync/internal/integrations/sendcloud"
	"github.com/BearBump/ShipSync/internal/models"
	"github.com/google/uuid"
)

// Client simulates the Sendcloud panel: every shipment is accepted with a
// fresh UUID unless its recipient name contains "sendclouderror", which
// produces a per-shipment error result. Useful for demo setups and for the
// export job tests.
type Client struct{}

func New() *Client {
	return &Client{}
}

func (c *Client) ExportShipments(ctx context.Context, conn *models.Connection, shipments []sendcloud.ShipmentModel) ([]sendcloud.ExportResult, error) {
	results := make([]sendcloud.ExportResult, 0, len(shipments))
	for _, sh := range shipments {
		if strings.Contains(strings.ToLower(sh.Name), "sendclouderror") {
			results = append(results, sendcloud.ExportResult{
				ExternalOrderID:    sh.ExternalOrderID,
				ExternalShipmentID: sh.ExternalShipmentID,
				Status:             sendcloud.ExportResultStatusError,
				Error:              []byte(`{"name":["mock is simulating an error"]}`),
			})
			continue
		}
		results = append(results, sendcloud.ExportResult{
			ExternalOrderID:    sh.ExternalOrderID,
			ExternalShipmentID: sh.ExternalShipmentID,
			ShipmentUUID:       uuid.NewString(),
			Status:             "created",
		})
	}
	return results, nil
}
