package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// UpsertOrder mirrors an order from the order-management platform. Export
// tracking attributes are owned by this service and not overwritten here.
func (s *Storage) UpsertOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO orders (order_no, exported_from_platform, sendcloud_export_status, sendcloud_failed_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (order_no) DO UPDATE SET
  exported_from_platform = EXCLUDED.exported_from_platform,
  updated_at = now()
`, o.OrderNo, o.ExportedFromPlatform, o.SendcloudExportStatus, o.SendcloudFailedAttempts)
	return errors.Wrap(err, "upsert order")
}

func (s *Storage) UpsertShipment(ctx context.Context, sh *models.Shipment) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO shipments (
  order_no, id, has_shipping_address,
  sendcloud_service_point_id, sendcloud_delivery_method_type,
  ship_to_name, ship_to_address, ship_to_city, ship_to_post_code, ship_to_country,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
ON CONFLICT (order_no, id) DO UPDATE SET
  has_shipping_address = EXCLUDED.has_shipping_address,
  sendcloud_service_point_id = EXCLUDED.sendcloud_service_point_id,
  sendcloud_delivery_method_type = EXCLUDED.sendcloud_delivery_method_type,
  ship_to_name = EXCLUDED.ship_to_name,
  ship_to_address = EXCLUDED.ship_to_address,
  ship_to_city = EXCLUDED.ship_to_city,
  ship_to_post_code = EXCLUDED.ship_to_post_code,
  ship_to_country = EXCLUDED.ship_to_country,
  updated_at = now()
`, sh.OrderNo, sh.ID, sh.HasShippingAddress,
		sh.SendcloudServicePointID, sh.SendcloudDeliveryMethodType,
		sh.ShipToName, sh.ShipToAddress, sh.ShipToCity, sh.ShipToPostCode, sh.ShipToCountry)
	return errors.Wrap(err, "upsert shipment")
}

// OrderByOrderNo returns an order, or nil when unknown.
func (s *Storage) OrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	var o models.Order
	err := s.db.QueryRow(ctx, `
SELECT order_no, exported_from_platform, sendcloud_export_status, sendcloud_failed_attempts, created_at, updated_at
FROM orders
WHERE order_no = $1
`, orderNo).Scan(&o.OrderNo, &o.ExportedFromPlatform, &o.SendcloudExportStatus, &o.SendcloudFailedAttempts, &o.CreatedAt, &o.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return &o, nil
}

const shipmentColumns = `
  order_no, id, has_shipping_address,
  sendcloud_service_point_id, sendcloud_delivery_method_type,
  ship_to_name, ship_to_address, ship_to_city, ship_to_post_code, ship_to_country,
  sendcloud_shipment_uuid, sendcloud_status, sendcloud_tracking_number, sendcloud_tracking_url,
  created_at, updated_at`

func scanShipments(rows pgx.Rows) ([]*models.Shipment, error) {
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		var sh models.Shipment
		if err := rows.Scan(
			&sh.OrderNo, &sh.ID, &sh.HasShippingAddress,
			&sh.SendcloudServicePointID, &sh.SendcloudDeliveryMethodType,
			&sh.ShipToName, &sh.ShipToAddress, &sh.ShipToCity, &sh.ShipToPostCode, &sh.ShipToCountry,
			&sh.SendcloudShipmentUUID, &sh.SendcloudStatus, &sh.SendcloudTrackingNumber, &sh.SendcloudTrackingURL,
			&sh.CreatedAt, &sh.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, &sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ShipmentsByOrderNo(ctx context.Context, orderNo string) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE order_no = $1
ORDER BY id ASC
`, orderNo)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	return scanShipments(rows)
}

// CandidateOrders selects orders eligible for export: released by the
// platform, not yet exported to Sendcloud (or never attempted), and created
// after the cutoff.
func (s *Storage) CandidateOrders(ctx context.Context, createdAfter time.Time) ([]*models.Order, error) {
	rows, err := s.db.Query(ctx, `
SELECT order_no, exported_from_platform, sendcloud_export_status, sendcloud_failed_attempts, created_at, updated_at
FROM orders
WHERE exported_from_platform = TRUE
  AND (sendcloud_export_status = $1 OR sendcloud_export_status = '')
  AND created_at > $2
ORDER BY created_at ASC
`, models.ExportStatusNotExported, createdAfter.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select candidate orders")
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.OrderNo, &o.ExportedFromPlatform, &o.SendcloudExportStatus, &o.SendcloudFailedAttempts, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, &o)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ShipmentTrackingUpdate carries the fields of a parcel_status_changed
// notification. Nil/empty fields are left untouched on the shipment.
type ShipmentTrackingUpdate struct {
	OrderNo        string
	ShipmentID     string
	Status         *int64
	TrackingNumber string
	TrackingURL    string

	// Optional audit note appended to the order in the same transaction.
	Note *models.OrderNote
}

func (s *Storage) ApplyShipmentTracking(ctx context.Context, upd ShipmentTrackingUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if upd.Status != nil {
		if _, err := tx.Exec(ctx, `
UPDATE shipments SET sendcloud_status = $3, updated_at = now() WHERE order_no = $1 AND id = $2
`, upd.OrderNo, upd.ShipmentID, *upd.Status); err != nil {
			return errors.Wrap(err, "update shipment status")
		}
	}
	if upd.TrackingNumber != "" {
		if _, err := tx.Exec(ctx, `
UPDATE shipments SET sendcloud_tracking_number = $3, sendcloud_tracking_url = $4, updated_at = now()
WHERE order_no = $1 AND id = $2
`, upd.OrderNo, upd.ShipmentID, upd.TrackingNumber, upd.TrackingURL); err != nil {
			return errors.Wrap(err, "update shipment tracking")
		}
	}
	if upd.Note != nil {
		if _, err := tx.Exec(ctx, `
INSERT INTO order_notes (order_no, subject, body, created_at) VALUES ($1, $2, $3, now())
`, upd.OrderNo, upd.Note.Subject, upd.Note.Body); err != nil {
			return errors.Wrap(err, "insert order note")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// RecordOrderExportFailure increments the failed-attempt counter and derives
// the new export status in one transaction. The caller must invoke this at
// most once per order per export run.
func (s *Storage) RecordOrderExportFailure(ctx context.Context, orderNo string, maxFailedAttempts int32) (attempts int32, status string, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, "", errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
UPDATE orders
SET sendcloud_failed_attempts = sendcloud_failed_attempts + 1,
    sendcloud_export_status = CASE WHEN sendcloud_failed_attempts + 1 >= $2 THEN $3 ELSE $4 END,
    updated_at = now()
WHERE order_no = $1
RETURNING sendcloud_failed_attempts, sendcloud_export_status
`, orderNo, maxFailedAttempts, models.ExportStatusFailed, models.ExportStatusNotExported).Scan(&attempts, &status)
	if err != nil {
		return 0, "", errors.Wrap(err, "record export failure")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", errors.Wrap(err, "commit tx")
	}
	return attempts, status, nil
}

// MarkShipmentExported persists the provider-assigned shipment UUID and, when
// no other shipment of the order failed earlier in the run, marks the order
// exported.
func (s *Storage) MarkShipmentExported(ctx context.Context, orderNo, shipmentID, shipmentUUID string, markOrderExported bool) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE shipments SET sendcloud_shipment_uuid = $3, updated_at = now() WHERE order_no = $1 AND id = $2
`, orderNo, shipmentID, shipmentUUID); err != nil {
		return errors.Wrap(err, "update shipment uuid")
	}

	if markOrderExported {
		if _, err := tx.Exec(ctx, `
UPDATE orders SET sendcloud_export_status = $2, updated_at = now() WHERE order_no = $1
`, orderNo, models.ExportStatusExported); err != nil {
			return errors.Wrap(err, "update order export status")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) AddOrderNote(ctx context.Context, orderNo, subject, body string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO order_notes (order_no, subject, body, created_at) VALUES ($1, $2, $3, now())
`, orderNo, subject, body)
	return errors.Wrap(err, "insert order note")
}

func (s *Storage) OrderNotes(ctx context.Context, orderNo string) ([]*models.OrderNote, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, order_no, subject, body, created_at FROM order_notes WHERE order_no = $1 ORDER BY id ASC
`, orderNo)
	if err != nil {
		return nil, errors.Wrap(err, "select order notes")
	}
	defer rows.Close()

	var out []*models.OrderNote
	for rows.Next() {
		var n models.OrderNote
		if err := rows.Scan(&n.ID, &n.OrderNo, &n.Subject, &n.Body, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan order note")
		}
		out = append(out, &n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
