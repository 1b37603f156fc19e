package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS sendcloud_connections (
  key TEXT PRIMARY KEY,
  integration_id BIGINT NOT NULL DEFAULT 0,
  public_key TEXT NOT NULL DEFAULT '',
  secret_key TEXT NOT NULL DEFAULT '',
  allow_new_integration TEXT NOT NULL DEFAULT 'DISABLED',
  service_point_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  service_point_carriers TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS sendcloud_notifications (
  id TEXT PRIMARY KEY,
  message TEXT NOT NULL,
  process_status TEXT NOT NULL,
  timestamp_millis BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_sendcloud_notifications_pending ON sendcloud_notifications(process_status, timestamp_millis)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  order_no TEXT PRIMARY KEY,
  exported_from_platform BOOLEAN NOT NULL DEFAULT FALSE,
  sendcloud_export_status TEXT NOT NULL DEFAULT '',
  sendcloud_failed_attempts INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_export_candidates ON orders(exported_from_platform, sendcloud_export_status, created_at)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  order_no TEXT NOT NULL REFERENCES orders(order_no) ON DELETE CASCADE,
  id TEXT NOT NULL,
  has_shipping_address BOOLEAN NOT NULL DEFAULT FALSE,
  sendcloud_service_point_id TEXT NOT NULL DEFAULT '',
  sendcloud_delivery_method_type TEXT NOT NULL DEFAULT '',
  ship_to_name TEXT NOT NULL DEFAULT '',
  ship_to_address TEXT NOT NULL DEFAULT '',
  ship_to_city TEXT NOT NULL DEFAULT '',
  ship_to_post_code TEXT NOT NULL DEFAULT '',
  ship_to_country TEXT NOT NULL DEFAULT '',
  sendcloud_shipment_uuid TEXT NOT NULL DEFAULT '',
  sendcloud_status BIGINT NULL,
  sendcloud_tracking_number TEXT NOT NULL DEFAULT '',
  sendcloud_tracking_url TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (order_no, id)
)`,
		`
CREATE TABLE IF NOT EXISTS order_notes (
  id BIGSERIAL PRIMARY KEY,
  order_no TEXT NOT NULL REFERENCES orders(order_no) ON DELETE CASCADE,
  subject TEXT NOT NULL,
  body TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS shipping_methods (
  id TEXT PRIMARY KEY,
  source TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  carrier TEXT NOT NULL DEFAULT '',
  method_type TEXT NOT NULL DEFAULT '',
  zone TEXT NOT NULL DEFAULT '',
  currency_code TEXT NOT NULL DEFAULT '',
  raw_json TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipping_methods_source ON shipping_methods(source)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
