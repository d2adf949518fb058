package credentials

import (
	"container/list"
	"sync"
	"time"
)

// tokenCache is a small LRU cache with per-entry TTL for service tokens.
// Reads take the write lock because a hit moves the entry to the front.
type tokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	now     func() time.Time
}

type cacheEntry struct {
	service   string
	token     string
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration, maxSize int) *tokenCache {
	return &tokenCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *tokenCache) get(service string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[service]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, service)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.token, true
}

func (c *tokenCache) set(service, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[service]; ok {
		entry := el.Value.(*cacheEntry)
		entry.token = token
		entry.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	c.entries[service] = c.order.PushFront(&cacheEntry{
		service:   service,
		token:     token,
		expiresAt: c.now().Add(c.ttl),
	})

	for len(c.entries) > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).service)
	}
}

func (c *tokenCache) invalidate(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[service]; ok {
		c.order.Remove(el)
		delete(c.entries, service)
	}
}

func (c *tokenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
