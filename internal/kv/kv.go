// Package kv provides the shared key-value surface used for rate limiting,
// idempotency tracking, and cross-instance counters. The Redis implementation
// is the production backend; the in-memory implementation serves tests and
// single-node development.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Store is the minimal key-value contract the broker needs.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value at key with a TTL. A zero TTL means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// PutIfAbsent stores value only when the key does not exist, returning
	// true when the write happened. Used for idempotency claims.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrementWithTTL atomically adds amount to the counter at key and
	// returns the new value. The TTL is set when the counter is created, so a
	// fixed-window rate limit window expires as a whole.
	IncrementWithTTL(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// Close releases the backing connection.
	Close() error
}
