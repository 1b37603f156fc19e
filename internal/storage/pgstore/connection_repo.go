package pgstore

import (
	"context"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const connectionColumns = `
  key, integration_id, public_key, secret_key,
  allow_new_integration, service_point_enabled, service_point_carriers,
  created_at, updated_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	if err := row.Scan(
		&c.Key, &c.IntegrationID, &c.PublicKey, &c.SecretKey,
		&c.AllowNewIntegration, &c.ServicePointEnabled, &c.ServicePointCarriers,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnection returns the singleton connection record, or nil when no
// integration is configured.
func (s *Storage) GetConnection(ctx context.Context) (*models.Connection, error) {
	row := s.db.QueryRow(ctx, `
SELECT`+connectionColumns+`
FROM sendcloud_connections
WHERE key = $1
`, models.ConnectionKey)

	c, err := scanConnection(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select connection")
	}
	return c, nil
}

// UpsertConnectionCredentials stores freshly issued credentials and re-enables
// signature validation. Idempotent: applying the same notification twice
// converges to the same row.
func (s *Storage) UpsertConnectionCredentials(ctx context.Context, integrationID int64, publicKey, secretKey string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO sendcloud_connections (key, integration_id, public_key, secret_key, allow_new_integration, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (key) DO UPDATE SET
  integration_id = EXCLUDED.integration_id,
  public_key = EXCLUDED.public_key,
  secret_key = EXCLUDED.secret_key,
  allow_new_integration = EXCLUDED.allow_new_integration,
  updated_at = now()
`, models.ConnectionKey, integrationID, publicKey, secretKey, models.AllowNewIntegrationDisabled)
	return errors.Wrap(err, "upsert connection credentials")
}

// UpsertConnectionIntegration stores the integration details carried by
// integration_connected / integration_updated notifications.
func (s *Storage) UpsertConnectionIntegration(ctx context.Context, integrationID int64, servicePointEnabled bool, servicePointCarriers []string) error {
	if servicePointCarriers == nil {
		servicePointCarriers = []string{}
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO sendcloud_connections (key, integration_id, service_point_enabled, service_point_carriers, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (key) DO UPDATE SET
  integration_id = EXCLUDED.integration_id,
  service_point_enabled = EXCLUDED.service_point_enabled,
  service_point_carriers = EXCLUDED.service_point_carriers,
  updated_at = now()
`, models.ConnectionKey, integrationID, servicePointEnabled, servicePointCarriers)
	return errors.Wrap(err, "upsert connection integration")
}

// SetAllowNewIntegration updates the signature-bypass state on an existing
// connection. A missing connection is not an error: the grace window only
// applies to re-connecting an already known integration.
func (s *Storage) SetAllowNewIntegration(ctx context.Context, value string) error {
	_, err := s.db.Exec(ctx, `
UPDATE sendcloud_connections SET allow_new_integration = $2, updated_at = now() WHERE key = $1
`, models.ConnectionKey, value)
	return errors.Wrap(err, "set allow_new_integration")
}

func (s *Storage) DeleteConnection(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sendcloud_connections WHERE key = $1`, models.ConnectionKey)
	return errors.Wrap(err, "delete connection")
}
