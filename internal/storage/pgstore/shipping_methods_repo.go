package pgstore

import (
	"context"

	"github.com/BearBump/ShipSync/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) UpsertShippingMethod(ctx context.Context, m *models.ShippingMethod) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO shipping_methods (id, source, name, carrier, method_type, zone, currency_code, raw_json, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
ON CONFLICT (id) DO UPDATE SET
  source = EXCLUDED.source,
  name = EXCLUDED.name,
  carrier = EXCLUDED.carrier,
  method_type = EXCLUDED.method_type,
  zone = EXCLUDED.zone,
  currency_code = EXCLUDED.currency_code,
  raw_json = EXCLUDED.raw_json,
  updated_at = now()
`, m.ID, m.Source, m.Name, m.Carrier, m.MethodType, m.Zone, m.CurrencyCode, m.RawJSON)
	return errors.Wrap(err, "upsert shipping method")
}

func (s *Storage) ShippingMethodsBySource(ctx context.Context, source string) ([]*models.ShippingMethod, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, source, name, carrier, method_type, zone, currency_code, raw_json, created_at, updated_at
FROM shipping_methods
WHERE source = $1
ORDER BY id ASC
`, source)
	if err != nil {
		return nil, errors.Wrap(err, "select shipping methods")
	}
	defer rows.Close()

	var out []*models.ShippingMethod
	for rows.Next() {
		var m models.ShippingMethod
		if err := rows.Scan(&m.ID, &m.Source, &m.Name, &m.Carrier, &m.MethodType, &m.Zone, &m.CurrencyCode, &m.RawJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan shipping method")
		}
		out = append(out, &m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) DeleteShippingMethods(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM shipping_methods WHERE id = ANY($1)`, ids)
	return errors.Wrap(err, "delete shipping methods")
}
