package panelhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ShipSync/internal/integrations/sendcloud"
	"github.com/BearBump/ShipSync/internal/models"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

type Client struct {
	baseURL string
	httpc   *http.Client
	cb      *gobreaker.CircuitBreaker
}

type Settings struct {
	// Consecutive transport failures before the breaker opens.
	ConsecutiveFailures uint32
	// How long the breaker stays open before probing again.
	OpenInterval time.Duration
	Timeout      time.Duration
}

func New(baseURL string, st Settings) *Client {
	if baseURL == "" {
		baseURL = "https://panel.sendcloud.sc/api/v2"
	}
	if st.ConsecutiveFailures == 0 {
		st.ConsecutiveFailures = 5
	}
	if st.OpenInterval <= 0 {
		st.OpenInterval = 60 * time.Second
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sendcloud-export",
		Timeout: st.OpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.ConsecutiveFailures
		},
	})

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc: &http.Client{
			Timeout: st.Timeout,
		},
		cb: cb,
	}
}

func (c *Client) ExportShipments(ctx context.Context, conn *models.Connection, shipments []sendcloud.ShipmentModel) ([]sendcloud.ExportResult, error) {
	if conn == nil {
		return nil, errors.New("sendcloud connection is not configured")
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.doExport(ctx, conn, shipments)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.Wrap(sendcloud.ErrCircuitOpen, err.Error())
	}
	if err != nil {
		return nil, err
	}
	return out.([]sendcloud.ExportResult), nil
}

func (c *Client) doExport(ctx context.Context, conn *models.Connection, shipments []sendcloud.ShipmentModel) ([]sendcloud.ExportResult, error) {
	body, err := json.Marshal(shipments)
	if err != nil {
		return nil, errors.Wrap(err, "marshal shipments")
	}

	url := c.baseURL + "/integrations/" + strconv.FormatInt(conn.IntegrationID, 10) + "/shipments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(conn.PublicKey+":"+conn.SecretKey)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("sendcloud export http %d", resp.StatusCode)
	}

	var results []sendcloud.ExportResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return results, nil
}
