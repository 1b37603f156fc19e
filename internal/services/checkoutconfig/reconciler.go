package checkoutconfig

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/pkg/errors"
)

const (
	StatusOK    = "OK"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

type RunStatus struct {
	Code string
}

type Store interface {
	GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error)
	RemoveNotification(ctx context.Context, id string) error
	SetNotificationStatus(ctx context.Context, id, status string) error
	ShippingMethodsBySource(ctx context.Context, source string) ([]*models.ShippingMethod, error)
	UpsertShippingMethod(ctx context.Context, m *models.ShippingMethod) error
	DeleteShippingMethods(ctx context.Context, ids []string) error
}

// Reconciler applies the retained checkout-configuration notification to the
// shipping_methods table: methods present in the new configuration are
// upserted, previously imported ones that disappeared are deleted. Methods
// from other sources are never touched.
type Reconciler struct {
	store      Store
	currencies []string
}

func New(store Store, allowedCurrencies []string) *Reconciler {
	return &Reconciler{store: store, currencies: allowedCurrencies}
}

type message struct {
	Action  string `json:"action"`
	Payload struct {
		CheckoutConfiguration *checkoutConfiguration `json:"checkout_configuration"`
	} `json:"payload"`
}

type checkoutConfiguration struct {
	DeliveryZones []deliveryZone `json:"delivery_zones"`
}

type deliveryZone struct {
	Location struct {
		Name    string `json:"name"`
		Country struct {
			ISO2 string `json:"iso_2"`
		} `json:"country"`
	} `json:"location"`
	DeliveryMethods []json.RawMessage `json:"delivery_methods"`
}

type deliveryMethod struct {
	ID                 string `json:"id"`
	ExternalTitle      string `json:"external_title"`
	DeliveryMethodType string `json:"delivery_method_type"`
	ShippingProduct    struct {
		Code    string `json:"code"`
		Name    string `json:"name"`
		Carrier string `json:"carrier"`
	} `json:"shipping_product"`
}

func (r *Reconciler) RunOnce(ctx context.Context) RunStatus {
	rec, err := r.store.GetNotification(ctx, models.CheckoutConfigurationKey)
	if err != nil {
		slog.Error("load checkout configuration notification", "error", err.Error())
		return RunStatus{Code: StatusError}
	}
	if rec == nil {
		return RunStatus{Code: StatusOK}
	}

	if err := r.apply(ctx, rec); err != nil {
		slog.Error("apply checkout configuration", "error", err.Error())
		return RunStatus{Code: r.failRecord(ctx, rec)}
	}

	if err := r.store.RemoveNotification(ctx, rec.ID); err != nil {
		slog.Error("remove checkout configuration notification", "error", err.Error())
		return RunStatus{Code: StatusError}
	}
	slog.Info("checkout configuration applied", "action_ts", time.UnixMilli(rec.Timestamp).UTC())
	return RunStatus{Code: StatusOK}
}

func (r *Reconciler) apply(ctx context.Context, rec *models.NotificationRecord) error {
	var msg message
	if err := json.Unmarshal([]byte(rec.Message), &msg); err != nil {
		return errors.Wrap(err, "parse checkout configuration")
	}

	desired, err := r.desiredMethods(msg.Payload.CheckoutConfiguration)
	if err != nil {
		return err
	}

	existing, err := r.store.ShippingMethodsBySource(ctx, models.ShippingMethodSourceCheckout)
	if err != nil {
		return errors.Wrap(err, "load imported shipping methods")
	}

	var toDelete []string
	for _, m := range existing {
		upd, ok := desired[m.ID]
		if !ok {
			toDelete = append(toDelete, m.ID)
			continue
		}
		if err := r.store.UpsertShippingMethod(ctx, upd); err != nil {
			return errors.Wrap(err, "update shipping method")
		}
		delete(desired, m.ID)
	}
	// anything left in the desired set is a new shipping method
	for _, m := range desired {
		if err := r.store.UpsertShippingMethod(ctx, m); err != nil {
			return errors.Wrap(err, "create shipping method")
		}
	}
	if err := r.store.DeleteShippingMethods(ctx, toDelete); err != nil {
		return errors.Wrap(err, "delete shipping methods")
	}

	slog.Info("reconciled checkout shipping methods",
		"kept", len(existing)-len(toDelete), "created", len(desired), "deleted", len(toDelete))
	return nil
}

// desiredMethods flattens zones × delivery methods × allowed currencies into
// a map keyed "<deliveryMethodID>__<currency>". A delete_checkout_configuration
// message carries no configuration and yields an empty map, which deletes
// every imported method.
func (r *Reconciler) desiredMethods(cfg *checkoutConfiguration) (map[string]*models.ShippingMethod, error) {
	desired := map[string]*models.ShippingMethod{}
	if cfg == nil {
		return desired, nil
	}

	for _, zone := range cfg.DeliveryZones {
		for _, raw := range zone.DeliveryMethods {
			var dm deliveryMethod
			if err := json.Unmarshal(raw, &dm); err != nil {
				return nil, errors.Wrap(err, "parse delivery method")
			}
			if dm.ID == "" {
				return nil, errors.New("delivery method without an id")
			}
			for _, currency := range r.currencies {
				id := dm.ID + "__" + currency
				desired[id] = &models.ShippingMethod{
					ID:           id,
					Source:       models.ShippingMethodSourceCheckout,
					Name:         dm.ExternalTitle,
					Carrier:      dm.ShippingProduct.Carrier,
					MethodType:   dm.DeliveryMethodType,
					Zone:         zone.Location.Country.ISO2,
					CurrencyCode: currency,
					RawJSON:      string(raw),
				}
			}
		}
	}
	return desired, nil
}

// failRecord walks the record through the retry ladder.
func (r *Reconciler) failRecord(ctx context.Context, rec *models.NotificationRecord) string {
	if rec.ProcessStatus == models.NotificationStatusNew {
		if err := r.store.SetNotificationStatus(ctx, rec.ID, models.NotificationStatusRetry); err != nil {
			slog.Error("set checkout configuration status", "error", err.Error())
			return StatusError
		}
		slog.Warn("applying of checkout configuration failed, it is set to be retried next time")
		return StatusWarn
	}
	if err := r.store.SetNotificationStatus(ctx, rec.ID, models.NotificationStatusError); err != nil {
		slog.Error("set checkout configuration status", "error", err.Error())
	}
	slog.Warn("applying of checkout configuration failed, it will not be retried")
	return StatusError
}
