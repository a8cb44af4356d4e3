// Package storage provides the persistent key-value primitive shared by every
// execution context of the daemon.
//
// The primitive is deliberately small (get/set/remove of string values) and
// offers no compare-and-swap. Callers that need read-modify-write semantics
// re-read before every mutation and accept last-writer-wins between processes.
//
// Drivers:
//   - "file":     one JSON object file, re-read on every access, atomic rename on write
//   - "sqlite":   SQLite database (modernc.org/sqlite) via sqlx
//   - "postgres": PostgreSQL (lib/pq) via sqlx
//   - "redis":    Redis string keys under a prefix
//   - "memory":   process-local map (tests, -once dry runs)
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrCorrupt  = errors.New("storage file corrupt")
)

// KV is the persistent key-value storage contract.
type KV interface {
	// GetItem returns the stored value. ok is false when the key is absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Close() error
}

// Config configures storage.
type Config struct {
	Driver string

	// Path is the file path for "file" and "sqlite".
	Path string
	// DSN is the connection string for "postgres".
	DSN string

	// Redis settings.
	Addr     string
	Password string
	DB       int
	Prefix   string

	BusyTimeout time.Duration // sqlite only; 0 means default
}
