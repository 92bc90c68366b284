// Package cache provides a bounded in-process TTL cache.
//
// The gateway core is stateless and never caches responses; this cache backs
// server-layer bookkeeping (the in-process rate limiter's window counters).
// It is explicitly bounded: entries expire by TTL and, when the entry cap is
// reached, the oldest insertion is evicted first.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries caps the cache when the caller passes no limit.
const DefaultMaxEntries = 10_000

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a bounded in-process cache with per-entry TTL and
// insertion-order eviction.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries; the eviction queue keeps memory bounded even under a
// stream of unique keys.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	// order holds keys in first-insertion order. Re-setting an existing key
	// keeps its original position, so eviction stays strictly FIFO.
	order      []string
	maxEntries int

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries entries
// and starts the background cleanup loop. maxEntries ≤ 0 uses
// DefaultMaxEntries. The cleanup goroutine stops when ctx is cancelled or
// Close is called.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl, evicting the oldest
// insertions when the entry cap is exceeded.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	c.evictOverflowLocked()
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// evictOverflowLocked pops the front of the insertion queue until the item
// count is within bounds. Queue entries whose key was already deleted are
// skipped and dropped.
func (c *MemoryCache) evictOverflowLocked() {
	for len(c.items) > c.maxEntries && len(c.order) > 0 {
		key := c.order[0]
		c.order = c.order[1:]
		delete(c.items, key)
	}
}

// cleanup runs every minute and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	// Compact the queue so stale keys do not accumulate.
	live := c.order[:0]
	for _, k := range c.order {
		if _, ok := c.items[k]; ok {
			live = append(live, k)
		}
	}
	c.order = live
}
