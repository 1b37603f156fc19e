package sendcloud

import (
	"context"
	"encoding/json"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/pkg/errors"
)

// ErrCircuitOpen is returned when the export transport refuses the call
// because its circuit breaker is open. The export job must abort the whole
// run on this error instead of moving on to the next batch.
var ErrCircuitOpen = errors.New("sendcloud: circuit breaker open")

// ShipmentModel is one entry of the export request body, using Sendcloud's
// wire names. external_shipment_id doubles as the batch correlation key
// ("<orderNo>-<shipmentID>").
type ShipmentModel struct {
	ExternalOrderID    string `json:"external_order_id"`
	ExternalShipmentID string `json:"external_shipment_id"`
	OrderNumber        string `json:"order_number"`

	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`

	ToServicePoint     string `json:"to_service_point,omitempty"`
	DeliveryMethodType string `json:"delivery_method_type,omitempty"`
}

// NewShipmentModel builds the wire model for one shipment. Returns nil when
// the shipment has no shipping address: such shipments are not sent.
func NewShipmentModel(order *models.Order, shipment *models.Shipment) *ShipmentModel {
	if !shipment.HasShippingAddress {
		return nil
	}
	return &ShipmentModel{
		ExternalOrderID:    order.OrderNo,
		ExternalShipmentID: order.OrderNo + "-" + shipment.ID,
		OrderNumber:        order.OrderNo,
		Name:               shipment.ShipToName,
		Address:            shipment.ShipToAddress,
		City:               shipment.ShipToCity,
		PostalCode:         shipment.ShipToPostCode,
		Country:            shipment.ShipToCountry,
		ToServicePoint:     shipment.SendcloudServicePointID,
		DeliveryMethodType: shipment.SendcloudDeliveryMethodType,
	}
}

const ExportResultStatusError = "error"

// ExportResult is one entry of the export response body, correlated back to
// the request by ExternalShipmentID.
type ExportResult struct {
	ExternalOrderID    string          `json:"external_order_id"`
	ExternalShipmentID string          `json:"external_shipment_id"`
	ShipmentUUID       string          `json:"shipment_uuid"`
	Status             string          `json:"status"`
	Error              json.RawMessage `json:"error,omitempty"`
}

// ExportClient transports one batch of shipments to Sendcloud. The whole
// batch travels in a single call; per-shipment outcomes come back in the
// result list.
type ExportClient interface {
	ExportShipments(ctx context.Context, conn *models.Connection, shipments []ShipmentModel) ([]ExportResult, error)
}
