package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort byte cache; callers must tolerate misses and
// errors (the store of record is always Postgres).
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
