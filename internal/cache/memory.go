package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

type entry struct {
	fingerprint string
	result      json.RawMessage
	expires     time.Time
}

// MemoryCache is an in-process LRU cache with per-entry TTL. Expiry is
// checked lazily on lookup; capacity pressure evicts the least recently
// used entry.
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	now      func() time.Time
}

// NewMemory creates a cache holding up to capacity entries for ttl each.
// Non-positive arguments fall back to 1024 entries and one hour.
func NewMemory(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *MemoryCache) Lookup(_ context.Context, fingerprint string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expires) {
		c.order.Remove(el)
		delete(c.entries, fingerprint)
		return nil, false
	}
	c.order.MoveToFront(el)
	return append(json.RawMessage(nil), e.result...), true
}

func (c *MemoryCache) Store(_ context.Context, fingerprint string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := append(json.RawMessage(nil), result...)
	if el, ok := c.entries[fingerprint]; ok {
		e := el.Value.(*entry)
		e.result = cp
		e.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	c.entries[fingerprint] = c.order.PushFront(&entry{
		fingerprint: fingerprint,
		result:      cp,
		expires:     c.now().Add(c.ttl),
	})

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).fingerprint)
	}
}

func (c *MemoryCache) Close() error {
	return nil
}
