package orderexport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipSync/internal/integrations/sendcloud"
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
	GetConnection(ctx context.Context) (*models.Connection, error)
	CandidateOrders(ctx context.Context, createdAfter time.Time) ([]*models.Order, error)
	ShipmentsByOrderNo(ctx context.Context, orderNo string) ([]*models.Shipment, error)
	RecordOrderExportFailure(ctx context.Context, orderNo string, maxFailedAttempts int32) (int32, string, error)
	MarkShipmentExported(ctx context.Context, orderNo, shipmentID, shipmentUUID string, markOrderExported bool) error
	AddOrderNote(ctx context.Context, orderNo, subject, body string) error
}

// Job exports not-yet-exported orders to Sendcloud in batches. One failed
// shipment poisons its whole order for the run: the order keeps status
// NOTEXPORTED even when a later shipment of it exports fine.
type Job struct {
	store  Store
	client sendcloud.ExportClient

	batchSize         int
	orderAgeDaysLimit int
	maxFailedAttempts int32
	logAPIOrderNotes  bool

	lastRunUnixNano atomic.Int64
	totalExported   atomic.Int64
	totalFailed     atomic.Int64
}

func New(store Store, client sendcloud.ExportClient) *Job {
	return &Job{
		store:             store,
		client:            client,
		batchSize:         10,
		orderAgeDaysLimit: 14,
		maxFailedAttempts: 3,
	}
}

func (j *Job) WithSettings(batchSize, orderAgeDaysLimit int, maxFailedAttempts int32) *Job {
	if batchSize > 0 {
		j.batchSize = batchSize
	}
	if orderAgeDaysLimit > 0 {
		j.orderAgeDaysLimit = orderAgeDaysLimit
	}
	if maxFailedAttempts > 0 {
		j.maxFailedAttempts = maxFailedAttempts
	}
	return j
}

func (j *Job) WithOrderNotes(enabled bool) *Job {
	j.logAPIOrderNotes = enabled
	return j
}

type JobStats struct {
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	TotalExported int64      `json:"totalExported"`
	TotalFailed   int64      `json:"totalFailed"`
}

func (j *Job) Stats() JobStats {
	st := JobStats{
		TotalExported: j.totalExported.Load(),
		TotalFailed:   j.totalFailed.Load(),
	}
	if n := j.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	return st
}

type batchEntry struct {
	order    *models.Order
	shipment *models.Shipment
	model    sendcloud.ShipmentModel
}

type batchStatus struct {
	err  bool
	warn bool
}

func (j *Job) Run(ctx context.Context) RunStatus {
	j.lastRunUnixNano.Store(time.Now().UTC().UnixNano())

	conn, err := j.store.GetConnection(ctx)
	if err != nil {
		slog.Error("load sendcloud connection", "error", err.Error())
		return RunStatus{Code: StatusError}
	}
	if conn == nil {
		slog.Error("no sendcloud connection is configured, cannot export orders")
		return RunStatus{Code: StatusError}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -j.orderAgeDaysLimit)
	orders, err := j.store.CandidateOrders(ctx, cutoff)
	if err != nil {
		slog.Error("load export candidate orders", "error", err.Error())
		return RunStatus{Code: StatusError}
	}

	var isError, isWarning bool
	// order numbers with at least one failed shipment this run
	failed := map[string]struct{}{}
	batch := make([]batchEntry, 0, j.batchSize)

	flush := func() bool {
		st, err := j.exportBatch(ctx, conn, batch, failed)
		if st.err {
			isError = true
		} else if st.warn {
			isWarning = true
		}
		batch = batch[:0]
		return err != nil
	}

	for _, order := range orders {
		shipments, err := j.store.ShipmentsByOrderNo(ctx, order.OrderNo)
		if err != nil {
			slog.Error("load shipments", "order_no", order.OrderNo, "error", err.Error())
			isError = true
			continue
		}
		for _, sh := range shipments {
			// only shipments that actually use a Sendcloud shipping method
			if sh.SendcloudServicePointID == "" && sh.SendcloudDeliveryMethodType == "" {
				continue
			}
			model := sendcloud.NewShipmentModel(order, sh)
			if model == nil {
				continue
			}
			batch = append(batch, batchEntry{order: order, shipment: sh, model: *model})

			if len(batch) == j.batchSize {
				if aborted := flush(); aborted {
					slog.Error("sendcloud export aborted, remaining orders are left for the next run")
					return RunStatus{Code: StatusError}
				}
			}
		}
	}

	if len(batch) > 0 {
		if aborted := flush(); aborted {
			slog.Error("sendcloud export aborted, remaining orders are left for the next run")
			return RunStatus{Code: StatusError}
		}
	}

	slog.Info("done exporting orders to sendcloud")

	switch {
	case isError:
		return RunStatus{Code: StatusError}
	case isWarning:
		return RunStatus{Code: StatusWarn}
	}
	return RunStatus{Code: StatusOK}
}

// exportBatch sends one batch and applies the per-shipment outcomes. The
// returned error is non-nil only when the whole run must stop (open circuit
// breaker); ordinary transport failures are folded into the batch status.
func (j *Job) exportBatch(ctx context.Context, conn *models.Connection, batch []batchEntry, failed map[string]struct{}) (batchStatus, error) {
	slog.Info("exporting batch of orders to sendcloud", "count", len(batch))

	shipments := make([]sendcloud.ShipmentModel, 0, len(batch))
	index := make(map[string]batchEntry, len(batch))
	for _, e := range batch {
		shipments = append(shipments, e.model)
		index[e.model.ExternalShipmentID] = e
		if j.logAPIOrderNotes {
			j.addNote(ctx, e.order.OrderNo, fmt.Sprintf("Sendcloud shipment '%s' - request", e.shipment.ID), e.model)
		}
	}

	results, err := j.client.ExportShipments(ctx, conn, shipments)
	if err != nil {
		if errors.Is(err, sendcloud.ErrCircuitOpen) {
			slog.Error("sendcloud circuit breaker is open, stopping export run", "error", err.Error())
			return batchStatus{err: true}, err
		}
		slog.Error("export order batch", "error", err.Error())
		if j.logAPIOrderNotes {
			for _, e := range batch {
				j.addNote(ctx, e.order.OrderNo, fmt.Sprintf("Sendcloud shipment '%s' - error", e.shipment.ID), err.Error())
			}
		}
		return batchStatus{err: true}, nil
	}

	var warn bool
	for _, res := range results {
		entry, ok := index[res.ExternalShipmentID]
		if !ok {
			slog.Error("export response entry cannot be correlated to this batch",
				"external_order_id", res.ExternalOrderID, "external_shipment_id", res.ExternalShipmentID)
			warn = true
			continue
		}
		if j.logAPIOrderNotes {
			j.addNote(ctx, entry.order.OrderNo, fmt.Sprintf("Sendcloud shipment '%s' - response", entry.shipment.ID), res)
		}

		if res.Status == sendcloud.ExportResultStatusError {
			warn = true
			if _, seen := failed[res.ExternalOrderID]; !seen {
				failed[res.ExternalOrderID] = struct{}{}
				j.totalFailed.Add(1)
				_, status, err := j.store.RecordOrderExportFailure(ctx, entry.order.OrderNo, j.maxFailedAttempts)
				if err != nil {
					slog.Error("record export failure", "order_no", entry.order.OrderNo, "error", err.Error())
					return batchStatus{err: true, warn: warn}, nil
				}
				if status == models.ExportStatusFailed {
					slog.Error("order could not be exported to sendcloud and will not be retried, it needs to be corrected manually",
						"order_no", entry.order.OrderNo)
				}
			}
			continue
		}

		if res.ShipmentUUID != "" {
			_, orderFailed := failed[res.ExternalOrderID]
			if err := j.store.MarkShipmentExported(ctx, entry.order.OrderNo, entry.shipment.ID, res.ShipmentUUID, !orderFailed); err != nil {
				slog.Error("mark shipment exported", "order_no", entry.order.OrderNo, "shipment_id", entry.shipment.ID, "error", err.Error())
				return batchStatus{err: true, warn: warn}, nil
			}
			j.totalExported.Add(1)
		}
	}

	return batchStatus{warn: warn}, nil
}

func (j *Job) addNote(ctx context.Context, orderNo, subject string, body any) {
	text, ok := body.(string)
	if !ok {
		b, err := json.MarshalIndent(body, "", "  ")
		if err != nil {
			return
		}
		text = string(b)
	}
	if err := j.store.AddOrderNote(ctx, orderNo, subject, text); err != nil {
		slog.Error("add order note", "order_no", orderNo, "error", err.Error())
	}
}
