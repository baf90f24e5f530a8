package state

import "context"

// Store is the durable key-value surface backing position records and
// executor idempotency keys. List scans by key prefix so the tracker
// can reload every open position at startup.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
