package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
// Expiry is checked lazily on access; no janitor goroutine is needed because
// the broker's key cardinality is bounded by its rate-limit and idempotency
// windows.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	counter   int64
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem), now: time.Now}
}

func (m *Memory) expired(it memoryItem) bool {
	return !it.expiresAt.IsZero() && m.now().After(it.expiresAt)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || m.expired(it) {
		delete(m.items, key)
		return "", ErrNotFound
	}
	return it.value, nil
}

func (m *Memory) Put(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := memoryItem{value: value}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && !m.expired(it) {
		return false, nil
	}
	it := memoryItem{value: value}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = it
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) IncrementWithTTL(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || m.expired(it) {
		it = memoryItem{}
		if ttl > 0 {
			it.expiresAt = m.now().Add(ttl)
		}
	}
	it.counter += amount
	m.items[key] = it
	return it.counter, nil
}

func (m *Memory) Close() error {
	return nil
}
