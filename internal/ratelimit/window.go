package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/chittybroker/internal/kv"
)

// WindowLimiter is a fixed-window limiter over a shared KV store. Each key
// gets a per-minute counter; the window expires as a whole, so a burst at a
// window boundary can briefly see up to 2x the limit. That is an accepted
// trade for a single atomic operation per request.
type WindowLimiter struct {
	store  kv.Store
	limit  int64
	window time.Duration

	now func() time.Time
}

// NewWindowLimiter creates a fixed-window limiter allowing limit requests per
// window per key.
func NewWindowLimiter(store kv.Store, limit int, window time.Duration) *WindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{store: store, limit: int64(limit), window: window, now: time.Now}
}

// Allow increments the counter for the current window and compares it to the
// limit.
func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := l.now().Unix() / int64(l.window.Seconds())
	windowKey := fmt.Sprintf("%s:%d", key, bucket)

	n, err := l.store.IncrementWithTTL(ctx, windowKey, 1, l.window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: increment window: %w", err)
	}
	return n <= l.limit, nil
}

// Close is a no-op; the KV store is owned by the caller.
func (l *WindowLimiter) Close() error { return nil }
