package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns both implementations so every contract test runs against each.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rs := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]Store{
		"redis":  rs,
		"memory": NewMemory(),
	}
}

func TestGetPutDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "k", "v", 0))
			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v", got)

			require.NoError(t, s.Delete(ctx, "k"))
			_, err = s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing key is fine.
			assert.NoError(t, s.Delete(ctx, "k"))
		})
	}
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.PutIfAbsent(ctx, "claim", "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.PutIfAbsent(ctx, "claim", "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must lose")

			got, err := s.Get(ctx, "claim")
			require.NoError(t, err)
			assert.Equal(t, "a", got, "losing claim must not overwrite")
		})
	}
}

func TestIncrementWithTTL(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for want := int64(1); want <= 3; want++ {
				n, err := s.IncrementWithTTL(ctx, "ctr", 1, time.Minute)
				require.NoError(t, err)
				assert.Equal(t, want, n)
			}

			// Counting by more than one keeps a single atomic operation.
			n, err := s.IncrementWithTTL(ctx, "bulk", 5, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(5), n)

			n, err = s.IncrementWithTTL(ctx, "bulk", 2, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(7), n)
		})
	}
}

func TestRedisCounterWindowExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()

	n, err := s.IncrementWithTTL(ctx, "win", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementWithTTL(ctx, "win", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The whole window expires at once; the next hit starts a fresh one.
	mr.FastForward(2 * time.Minute)
	n, err = s.IncrementWithTTL(ctx, "win", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, m.Put(ctx, "k", "v", time.Minute))
	_, err := m.Get(ctx, "k")
	require.NoError(t, err)

	base = base.Add(2 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// An expired claim can be re-taken.
	ok, err := m.PutIfAbsent(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
