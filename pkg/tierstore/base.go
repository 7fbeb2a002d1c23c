// Package tierstore defines the key/value capability behind the short-term
// tier: a fast store with native per-key expiry.
//
// Implementations: memory (in-process, for tests and single-node use) and
// redis (shared across engine instances).
package tierstore

import (
	"context"
	"time"
)

// Store is a key/value store with native TTL.
//
// All implementations must be safe for concurrent use. Missing keys are
// reported with types.ErrNotFound.
type Store interface {
	// Set writes val under key. A ttl <= 0 stores the key without expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// SetNX writes val only if key does not exist. It reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)

	// Get reads the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// CompareAndDelete removes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// Expire changes the TTL of an existing key. A ttl <= 0 removes the
	// expiry. It reports whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Scan calls fn for every live key with the given prefix. Iteration
	// order is unspecified; keys written during a scan may or may not be
	// visited.
	Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error

	// Close releases resources.
	Close() error
}
