package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipSync/internal/services/checkoutconfig"
	"github.com/BearBump/ShipSync/internal/services/notifications"
	"github.com/BearBump/ShipSync/internal/services/orderexport"
)

const (
	StatusOK       = "OK"
	StatusWarn     = "WARN"
	StatusError    = "ERROR"
	StatusDisabled = "DISABLED"
)

type notificationsJob interface {
	RunOnce(ctx context.Context) notifications.RunStatus
}

type reconcilerJob interface {
	RunOnce(ctx context.Context) checkoutconfig.RunStatus
}

type exportJob interface {
	Run(ctx context.Context) orderexport.RunStatus
}

// Runner drives the worker cycle: drain the notification inbox, apply a
// pending checkout configuration when the dispatcher asks for it, then export
// orders. Each of the two jobs can be disabled independently.
type Runner struct {
	dispatcher notificationsJob
	reconciler reconcilerJob
	exporter   exportJob

	interval              time.Duration
	notificationsDisabled bool
	orderExportDisabled   bool

	triggerCh chan struct{}

	startedAtUnixNano int64
	lastCycleUnixNano atomic.Int64
	totalCycles       atomic.Int64

	mu                 sync.Mutex
	lastNotifications  string
	lastCheckoutConfig string
	lastOrderExport    string
}

func NewRunner(dispatcher notificationsJob, reconciler reconcilerJob, exporter exportJob) *Runner {
	return &Runner{
		dispatcher:        dispatcher,
		reconciler:        reconciler,
		exporter:          exporter,
		interval:          60 * time.Second,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Runner) WithInterval(interval time.Duration) *Runner {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

func (r *Runner) WithDisabledJobs(notificationsDisabled, orderExportDisabled bool) *Runner {
	r.notificationsDisabled = notificationsDisabled
	r.orderExportDisabled = orderExportDisabled
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Runner) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type RunnerStats struct {
	StartedAt          time.Time  `json:"startedAt"`
	LastCycleAt        *time.Time `json:"lastCycleAt,omitempty"`
	TotalCycles        int64      `json:"totalCycles"`
	LastNotifications  string     `json:"lastNotifications,omitempty"`
	LastCheckoutConfig string     `json:"lastCheckoutConfig,omitempty"`
	LastOrderExport    string     `json:"lastOrderExport,omitempty"`
}

func (r *Runner) Stats() RunnerStats {
	st := RunnerStats{
		StartedAt:   time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalCycles: r.totalCycles.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	r.mu.Lock()
	st.LastNotifications = r.lastNotifications
	st.LastCheckoutConfig = r.lastCheckoutConfig
	st.LastOrderExport = r.lastOrderExport
	r.mu.Unlock()
	return st
}

func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.RunCycle(ctx)
		case <-r.triggerCh:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one worker cycle and returns its overall severity.
func (r *Runner) RunCycle(ctx context.Context) string {
	r.lastCycleUnixNano.Store(time.Now().UTC().UnixNano())
	r.totalCycles.Add(1)

	notificationsStatus, checkoutStatus := r.runNotifications(ctx)
	exportStatus := r.runOrderExport(ctx)

	r.mu.Lock()
	r.lastNotifications = notificationsStatus
	r.lastCheckoutConfig = checkoutStatus
	r.lastOrderExport = exportStatus
	r.mu.Unlock()

	overall := worst(notificationsStatus, checkoutStatus, exportStatus)
	slog.Info("worker cycle finished",
		"notifications", notificationsStatus, "checkout_configuration", checkoutStatus,
		"order_export", exportStatus, "overall", overall)
	return overall
}

func (r *Runner) runNotifications(ctx context.Context) (notificationsStatus, checkoutStatus string) {
	if r.notificationsDisabled {
		return StatusDisabled, StatusDisabled
	}

	st := r.dispatcher.RunOnce(ctx)
	if st.Code != notifications.StatusUpdateCheckoutConfiguration {
		return st.Code, ""
	}

	// the dispatcher retained a checkout configuration, apply it now
	rec := r.reconciler.RunOnce(ctx)
	return st.Computed, rec.Code
}

func (r *Runner) runOrderExport(ctx context.Context) string {
	if r.orderExportDisabled {
		return StatusDisabled
	}
	return r.exporter.Run(ctx).Code
}

func rank(status string) int {
	switch status {
	case StatusError:
		return 2
	case StatusWarn:
		return 1
	}
	// OK, DISABLED and an empty status all count as fine
	return 0
}

func worst(statuses ...string) string {
	out := StatusOK
	for _, s := range statuses {
		if rank(s) > rank(out) {
			out = s
		}
	}
	return out
}
