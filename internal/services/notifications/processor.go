package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ShipSync/internal/broker/messages"
	"github.com/BearBump/ShipSync/internal/models"
	"github.com/BearBump/ShipSync/internal/storage/pgstore"
	"github.com/pkg/errors"
)

// Notification actions sent by the Sendcloud panel.
const (
	ActionIntegrationCredentials      = "integration_credentials"
	ActionIntegrationConnected        = "integration_connected"
	ActionIntegrationUpdated          = "integration_updated"
	ActionIntegrationDeleted          = "integration_deleted"
	ActionParcelStatusChanged         = "parcel_status_changed"
	ActionPutCheckoutConfiguration    = "put_checkout_configuration"
	ActionDeleteCheckoutConfiguration = "delete_checkout_configuration"
)

type Notification struct {
	Action string `json:"action"`

	// integration_credentials
	IntegrationID int64  `json:"integration_id"`
	PublicKey     string `json:"public_key"`
	SecretKey     string `json:"secret_key"`

	// integration_connected / integration_updated
	Integration *IntegrationDetails `json:"integration"`

	// parcel_status_changed
	Parcel *ParcelDetails `json:"parcel"`

	Timestamp int64 `json:"timestamp"`
}

type IntegrationDetails struct {
	ID                   int64    `json:"id"`
	ServicePointEnabled  bool     `json:"service_point_enabled"`
	ServicePointCarriers []string `json:"service_point_carriers"`
}

type ParcelDetails struct {
	OrderNumber    string        `json:"order_number"`
	ShipmentUUID   string        `json:"shipment_uuid"`
	Status         *ParcelStatus `json:"status"`
	TrackingNumber string        `json:"tracking_number"`
	TrackingURL    string        `json:"tracking_url"`
}

type ParcelStatus struct {
	ID      *int64 `json:"id"`
	Message string `json:"message"`
}

// Result of processing one notification. Success=false with a nil error is a
// business-rule failure and goes through the retry ladder; an error return is
// an infrastructure failure and leaves the record untouched.
type Result struct {
	Success                     bool
	UpdateNotification          bool
	UpdateCheckoutConfiguration bool
}

type Store interface {
	UpsertConnectionCredentials(ctx context.Context, integrationID int64, publicKey, secretKey string) error
	UpsertConnectionIntegration(ctx context.Context, integrationID int64, servicePointEnabled bool, servicePointCarriers []string) error
	DeleteConnection(ctx context.Context) error
	StoreNotification(ctx context.Context, payloadJSON string, explicitID string) (string, error)
	OrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error)
	ShipmentsByOrderNo(ctx context.Context, orderNo string) ([]*models.Shipment, error)
	ApplyShipmentTracking(ctx context.Context, upd pgstore.ShipmentTrackingUpdate) error
}

type ConnectionCache interface {
	Del(ctx context.Context, key string) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Processor struct {
	store    Store
	cache    ConnectionCache
	producer Producer
	topic    string

	importShippingMethods bool
	logAPIOrderNotes      bool
}

func NewProcessor(store Store) *Processor {
	return &Processor{store: store}
}

func (p *Processor) WithConnectionCache(c ConnectionCache) *Processor {
	p.cache = c
	return p
}

func (p *Processor) WithProducer(producer Producer, topic string) *Processor {
	p.producer = producer
	p.topic = topic
	return p
}

func (p *Processor) WithPreferences(importShippingMethods, logAPIOrderNotes bool) *Processor {
	p.importShippingMethods = importShippingMethods
	p.logAPIOrderNotes = logAPIOrderNotes
	return p
}

// Process dispatches one stored notification message by its action.
func (p *Processor) Process(ctx context.Context, raw string) (Result, error) {
	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Result{}, errors.Wrap(err, "parse notification")
	}

	switch n.Action {
	case ActionIntegrationCredentials:
		return p.processIntegrationCredentials(ctx, &n)
	case ActionIntegrationConnected, ActionIntegrationUpdated:
		return p.processIntegrationConnected(ctx, &n)
	case ActionIntegrationDeleted:
		return p.processIntegrationDeleted(ctx)
	case ActionParcelStatusChanged:
		return p.processParcelStatusChanged(ctx, &n, raw)
	case ActionPutCheckoutConfiguration, ActionDeleteCheckoutConfiguration:
		// handled by the checkout-configuration reconciler, not here
		if !p.importShippingMethods {
			slog.Info("importing of sendcloud checkout configuration is disabled, skipping notification", "action", n.Action)
		}
		return Result{
			Success:                     true,
			UpdateNotification:          !p.importShippingMethods,
			UpdateCheckoutConfiguration: p.importShippingMethods,
		}, nil
	default:
		// unsupported notification: report success so the record is removed
		return Result{Success: true, UpdateNotification: true}, nil
	}
}

func (p *Processor) processIntegrationCredentials(ctx context.Context, n *Notification) (Result, error) {
	if err := p.store.UpsertConnectionCredentials(ctx, n.IntegrationID, n.PublicKey, n.SecretKey); err != nil {
		return Result{}, errors.Wrap(err, "upsert connection credentials")
	}
	p.invalidateConnectionCache(ctx)
	slog.Warn("sendcloud credentials have changed", "integration_id", n.IntegrationID)
	return Result{Success: true, UpdateNotification: true}, nil
}

func (p *Processor) processIntegrationConnected(ctx context.Context, n *Notification) (Result, error) {
	if n.Integration == nil {
		slog.Warn("integration notification is received without integration details", "action", n.Action)
		return Result{}, nil
	}
	if err := p.store.UpsertConnectionIntegration(ctx, n.Integration.ID, n.Integration.ServicePointEnabled, n.Integration.ServicePointCarriers); err != nil {
		return Result{}, errors.Wrap(err, "upsert connection integration")
	}
	p.invalidateConnectionCache(ctx)
	slog.Warn("sendcloud integration has changed", "integration_id", n.Integration.ID)
	return Result{Success: true, UpdateNotification: true}, nil
}

func (p *Processor) processIntegrationDeleted(ctx context.Context) (Result, error) {
	slog.Warn("sendcloud integration has been deleted")

	if err := p.store.DeleteConnection(ctx); err != nil {
		return Result{}, errors.Wrap(err, "delete connection")
	}
	p.invalidateConnectionCache(ctx)

	// the imported checkout configuration has to go too
	if p.importShippingMethods {
		if _, err := p.store.StoreNotification(ctx, `{ "action": "delete_checkout_configuration" }`, models.CheckoutConfigurationKey); err != nil {
			return Result{}, errors.Wrap(err, "enqueue checkout configuration delete")
		}
	}
	return Result{
		Success:                     true,
		UpdateNotification:          true,
		UpdateCheckoutConfiguration: p.importShippingMethods,
	}, nil
}

func (p *Processor) processParcelStatusChanged(ctx context.Context, n *Notification, raw string) (Result, error) {
	pd := n.Parcel
	if pd == nil || pd.OrderNumber == "" {
		slog.Warn("parcel_status_changed notification is received without an order number")
		return Result{}, nil
	}

	order, err := p.store.OrderByOrderNo(ctx, pd.OrderNumber)
	if err != nil {
		return Result{}, errors.Wrap(err, "lookup order")
	}
	if order == nil {
		slog.Warn("parcel_status_changed notification is received with an unknown order number", "order_no", pd.OrderNumber)
		return Result{}, nil
	}

	shipments, err := p.store.ShipmentsByOrderNo(ctx, pd.OrderNumber)
	if err != nil {
		return Result{}, errors.Wrap(err, "lookup shipments")
	}
	var shipment *models.Shipment
	if len(shipments) == 1 {
		shipment = shipments[0]
	} else {
		for _, sh := range shipments {
			if sh.SendcloudShipmentUUID == pd.ShipmentUUID {
				shipment = sh
				break
			}
		}
	}
	if shipment == nil {
		slog.Warn("parcel_status_changed notification is received with an unknown shipment UUID",
			"order_no", pd.OrderNumber, "shipment_uuid", pd.ShipmentUUID)
		return Result{}, nil
	}

	upd := pgstore.ShipmentTrackingUpdate{OrderNo: order.OrderNo, ShipmentID: shipment.ID}
	if pd.Status != nil && pd.Status.ID != nil {
		upd.Status = pd.Status.ID
	}
	if pd.TrackingNumber != "" {
		upd.TrackingNumber = pd.TrackingNumber
		upd.TrackingURL = pd.TrackingURL
	}
	if p.logAPIOrderNotes {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(raw), "", "  "); err == nil {
			upd.Note = &models.OrderNote{
				OrderNo: order.OrderNo,
				Subject: "Sendcloud notification: parcel status changed",
				Body:    pretty.String(),
			}
		}
	}
	if err := p.store.ApplyShipmentTracking(ctx, upd); err != nil {
		return Result{}, errors.Wrap(err, "apply shipment tracking")
	}

	p.publishStatusUpdated(ctx, order, shipment, pd)

	return Result{Success: true, UpdateNotification: true}, nil
}

// publishStatusUpdated fans the tracking change out to Kafka. Best effort:
// the notification is already applied, a broker hiccup must not fail it.
func (p *Processor) publishStatusUpdated(ctx context.Context, order *models.Order, shipment *models.Shipment, pd *ParcelDetails) {
	if p.producer == nil {
		return
	}

	msg := messages.ShipmentStatusUpdated{
		OrderNo:        order.OrderNo,
		ShipmentID:     shipment.ID,
		ShipmentUUID:   shipment.SendcloudShipmentUUID,
		TrackingNumber: pd.TrackingNumber,
		TrackingURL:    pd.TrackingURL,
		OccurredAt:     time.Now().UTC(),
	}
	if pd.Status != nil {
		msg.Status = pd.Status.ID
	}
	value, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal shipment status updated", "order_no", order.OrderNo, "error", err.Error())
		return
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(order.OrderNo), value); err != nil {
		slog.Error("publish shipment status updated", "order_no", order.OrderNo, "error", err.Error())
	}
}

func (p *Processor) invalidateConnectionCache(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Del(ctx, models.ConnectionCacheKey); err != nil {
		slog.Error("invalidate connection cache", "error", err.Error())
	}
}
