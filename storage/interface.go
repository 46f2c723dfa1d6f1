package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"github.com/PJLys/rmqtt/config"
)

// Storage is the key-value backend behind the replicated cluster registry.
// Writes only ever come from the raft FSM, so implementations need not
// order concurrent writers beyond being safe for concurrent use.
type Storage interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) (int, error)

	// Scan calls fn for every key starting with prefix, in key order.
	// Returning an error from fn stops the scan and returns that error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Count(ctx context.Context, prefix string) (int, error)

	// Backup writes a full dump to w; Restore replaces all content with a
	// dump produced by Backup of the same backend.
	Backup(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader) error

	Close() error
}

// Open builds the backend selected by cfg.
func Open(cfg config.StorageConfig, logger hclog.Logger) (Storage, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStorage(), nil
	case "badger", "":
		return NewBadgerStorage(cfg.DataDir, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
