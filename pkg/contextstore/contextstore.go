// Package contextstore backs the context-bearing handler shape: a small
// key/value store the transport knows nothing about, where a handler
// family persists its own state between invocations. The Redis-backed
// implementation keeps that state visible across worker instances and
// restarts.
package contextstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no value is stored under key. A
// context-bearing handler treats this as the initial-state sentinel.
var ErrNotFound = errors.New("contextstore: key not found")

// Store is the read-modify-write surface a context-bearing handler uses.
// It provides no locking: two handlers keyed on the same key race unless
// the handler itself adds one.
type Store interface {
	// Get returns the raw bytes stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set persists value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key, used when a handler returns no updated context.
	Delete(ctx context.Context, key string) error
}
