package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ErrInvalidBody is returned when an inbound notification payload is not
// valid JSON; nothing is persisted in that case. Maps to the
// `invalid.request.body` error code on the webhook.
var ErrInvalidBody = errors.New("invalid.request.body")

// StoreNotification validates and upserts one inbox record. With an explicit
// ID the record is replaced wholesale (used for the checkout-configuration
// singleton); otherwise the ID is "<timestampMillis>_<uuid>". Returns the
// record ID.
func (s *Storage) StoreNotification(ctx context.Context, payloadJSON string, explicitID string) (string, error) {
	var payload struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		slog.Error("parsing of sendcloud notification failed", "payload", payloadJSON, "error", err.Error())
		return "", ErrInvalidBody
	}

	timestamp := payload.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UTC().UnixMilli()
	}
	id := explicitID
	if id == "" {
		id = fmt.Sprintf("%d_%s", timestamp, uuid.NewString())
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO sendcloud_notifications (id, message, process_status, timestamp_millis, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (id) DO UPDATE SET
  message = EXCLUDED.message,
  process_status = EXCLUDED.process_status,
  timestamp_millis = EXCLUDED.timestamp_millis,
  updated_at = now()
`, id, payloadJSON, models.NotificationStatusNew, timestamp)
	if err != nil {
		return "", errors.Wrap(err, "upsert notification")
	}
	return id, nil
}

func scanNotifications(rows pgx.Rows) ([]*models.NotificationRecord, error) {
	defer rows.Close()

	var out []*models.NotificationRecord
	for rows.Next() {
		var n models.NotificationRecord
		if err := rows.Scan(&n.ID, &n.Message, &n.ProcessStatus, &n.Timestamp, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan notification")
		}
		out = append(out, &n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// PendingNotifications returns all NEW and RETRY records in event-time order.
// The result is a snapshot, so callers may remove or update records while
// iterating.
func (s *Storage) PendingNotifications(ctx context.Context) ([]*models.NotificationRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, message, process_status, timestamp_millis, created_at, updated_at
FROM sendcloud_notifications
WHERE process_status = $1 OR process_status = $2
ORDER BY timestamp_millis ASC
`, models.NotificationStatusNew, models.NotificationStatusRetry)
	if err != nil {
		return nil, errors.Wrap(err, "select pending notifications")
	}
	return scanNotifications(rows)
}

// GetNotification returns a record by ID, or nil when absent.
func (s *Storage) GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error) {
	var n models.NotificationRecord
	err := s.db.QueryRow(ctx, `
SELECT id, message, process_status, timestamp_millis, created_at, updated_at
FROM sendcloud_notifications
WHERE id = $1
`, id).Scan(&n.ID, &n.Message, &n.ProcessStatus, &n.Timestamp, &n.CreatedAt, &n.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select notification")
	}
	return &n, nil
}

func (s *Storage) RemoveNotification(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sendcloud_notifications WHERE id = $1`, id)
	return errors.Wrap(err, "delete notification")
}

func (s *Storage) SetNotificationStatus(ctx context.Context, id, status string) error {
	_, err := s.db.Exec(ctx, `
UPDATE sendcloud_notifications SET process_status = $2, updated_at = now() WHERE id = $1
`, id, status)
	return errors.Wrap(err, "update notification status")
}
