package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittybroker/internal/kv"
	"github.com/chittyos/chittybroker/internal/model"
)

func TestMemoryLimiterBurstAndRefill(t *testing.T) {
	l := NewMemoryLimiter(100, 3)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	// 100 tokens/s refills within a few ms.
	time.Sleep(25 * time.Millisecond)
	ok, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	defer l.Close()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestWindowLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	store := kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	l := NewWindowLimiter(store, 3, time.Minute)
	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "discover:rate:alice")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "discover:rate:alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identities are unaffected.
	ok, err = l.Allow(ctx, "discover:rate:bob")
	require.NoError(t, err)
	assert.True(t, ok)

	// A new window starts fresh.
	l.now = func() time.Time { return base.Add(time.Minute) }
	ok, err = l.Allow(ctx, "discover:rate:alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMiddleware(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	defer l.Close()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(l, func(r *http.Request) string {
		return r.Header.Get("X-Identity")
	}, func(*http.Request) string { return "req-1" })(next)

	do := func(identity string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/context/resolve", nil)
		if identity != "" {
			req.Header.Set("X-Identity", identity)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("alice").Code)
	rec := do("alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var envelope model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, model.ErrCodeRateLimit, envelope.Error.Code)
	assert.Equal(t, "req-1", envelope.Meta.RequestID)

	// Empty key skips the limiter entirely.
	assert.Equal(t, http.StatusOK, do("").Code)
	assert.Equal(t, http.StatusOK, do("").Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, assert.AnError
}
func (failingLimiter) Close() error { return nil }

func TestMiddlewareFailsOpen(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(failingLimiter{}, func(*http.Request) string { return "k" }, nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
