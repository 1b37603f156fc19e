package notifications

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipSync/internal/models"
)

// Run status codes, ordered ERROR > WARN > OK. UPDATE_CHECKOUT_CONFIGURATION
// signals the follow-up reconciler step; the underlying severity is kept in
// RunStatus.Computed.
const (
	StatusOK                          = "OK"
	StatusWarn                        = "WARN"
	StatusError                       = "ERROR"
	StatusUpdateCheckoutConfiguration = "UPDATE_CHECKOUT_CONFIGURATION"
)

type RunStatus struct {
	Code     string
	Computed string
}

type DispatcherStore interface {
	PendingNotifications(ctx context.Context) ([]*models.NotificationRecord, error)
	RemoveNotification(ctx context.Context, id string) error
	SetNotificationStatus(ctx context.Context, id, status string) error
	GetConnection(ctx context.Context) (*models.Connection, error)
	SetAllowNewIntegration(ctx context.Context, value string) error
}

type RecordProcessor interface {
	Process(ctx context.Context, raw string) (Result, error)
}

// Dispatcher drains the notification inbox: NEW and RETRY records in
// timestamp order, each through the processor, then the retry ladder.
type Dispatcher struct {
	store     DispatcherStore
	processor RecordProcessor
	cache     ConnectionCache

	lastRunUnixNano atomic.Int64
	totalProcessed  atomic.Int64
	totalErrors     atomic.Int64
}

func NewDispatcher(store DispatcherStore, processor RecordProcessor) *Dispatcher {
	return &Dispatcher{store: store, processor: processor}
}

func (d *Dispatcher) WithConnectionCache(c ConnectionCache) *Dispatcher {
	d.cache = c
	return d
}

type DispatcherStats struct {
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	st := DispatcherStats{
		TotalProcessed: d.totalProcessed.Load(),
		TotalErrors:    d.totalErrors.Load(),
	}
	if n := d.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	return st
}

func (d *Dispatcher) RunOnce(ctx context.Context) RunStatus {
	d.lastRunUnixNano.Store(time.Now().UTC().UnixNano())

	var isError, isWarning, updateCheckoutConfiguration bool

	records, err := d.store.PendingNotifications(ctx)
	if err != nil {
		slog.Error("load pending sendcloud notifications", "error", err.Error())
		return RunStatus{Code: StatusError, Computed: StatusError}
	}
	slog.Info("processing sendcloud notifications", "count", len(records))

	for _, rec := range records {
		res, err := d.processor.Process(ctx, rec.Message)
		if err != nil {
			// infrastructure failure: record stays untouched for the next run
			slog.Error("process sendcloud notification", "id", rec.ID, "error", err.Error())
			d.totalErrors.Add(1)
			isError = true
			continue
		}
		d.totalProcessed.Add(1)
		updateCheckoutConfiguration = updateCheckoutConfiguration || res.UpdateCheckoutConfiguration

		if res.Success && !res.UpdateNotification {
			// retained for the checkout-configuration reconciler
			continue
		}

		switch {
		case res.Success:
			if err := d.store.RemoveNotification(ctx, rec.ID); err != nil {
				slog.Error("remove sendcloud notification", "id", rec.ID, "error", err.Error())
				isError = true
			}
		case rec.ProcessStatus == models.NotificationStatusNew:
			// first failure: retry one time
			if err := d.store.SetNotificationStatus(ctx, rec.ID, models.NotificationStatusRetry); err != nil {
				slog.Error("set sendcloud notification status", "id", rec.ID, "error", err.Error())
				isError = true
				continue
			}
			slog.Warn("processing of sendcloud notification failed, it is set to be retried next time", "id", rec.ID)
			isWarning = true
		default:
			// second failure: keep the record for inspection, do not retry
			if err := d.store.SetNotificationStatus(ctx, rec.ID, models.NotificationStatusError); err != nil {
				slog.Error("set sendcloud notification status", "id", rec.ID, "error", err.Error())
			}
			slog.Warn("processing of sendcloud notification failed, it will not be retried", "id", rec.ID)
			isError = true
		}
	}

	if err := d.advanceAllowNewIntegration(ctx); err != nil {
		slog.Error("advance allow-new-integration window", "error", err.Error())
		isError = true
	}

	computed := StatusOK
	switch {
	case isError:
		computed = StatusError
	case isWarning:
		computed = StatusWarn
	}
	if updateCheckoutConfiguration {
		return RunStatus{Code: StatusUpdateCheckoutConfiguration, Computed: computed}
	}
	return RunStatus{Code: computed, Computed: computed}
}

// advanceAllowNewIntegration caps the signature-validation bypass at two job
// runs. If integration details never arrive the window closes again.
func (d *Dispatcher) advanceAllowNewIntegration(ctx context.Context) error {
	conn, err := d.store.GetConnection(ctx)
	if err != nil || conn == nil {
		return err
	}

	switch conn.AllowNewIntegration {
	case models.AllowNewIntegrationUntilEstablished:
		if err := d.store.SetAllowNewIntegration(ctx, models.AllowNewIntegrationUntilNextJobRun); err != nil {
			return err
		}
	case models.AllowNewIntegrationUntilNextJobRun:
		slog.Warn("new connection to sendcloud was not established within a reasonable time, now validating webhook signatures again")
		if err := d.store.SetAllowNewIntegration(ctx, models.AllowNewIntegrationDisabled); err != nil {
			return err
		}
	default:
		return nil
	}

	if d.cache != nil {
		if err := d.cache.Del(ctx, models.ConnectionCacheKey); err != nil {
			slog.Error("invalidate connection cache", "error", err.Error())
		}
	}
	return nil
}
