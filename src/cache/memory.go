package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache is the in-process backend. Expiry is lazy on read with a
// periodic sweep; eviction at capacity drops the soonest-expiring items.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memoryItem
	maxItems   int
	defaultTTL time.Duration
	hits       atomic.Int64
	misses     atomic.Int64
	stop       chan struct{}
	stopOnce   sync.Once
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxItems int, defaultTTL time.Duration) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	c := &MemoryCache{
		items:      make(map[string]memoryItem),
		maxItems:   maxItems,
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

// sweep drops expired items once a minute
func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(item.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.items, key)
			c.mu.Unlock()
		}
		c.misses.Add(1)
		return nil, ErrNotFound
	}

	c.hits.Add(1)
	return item.value, nil
}

// Set stores a value in the cache with TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) >= c.maxItems {
		c.evict()
	}
	c.items[key] = memoryItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// evict removes the items closest to expiry to make room. Caller holds
// the write lock.
func (c *MemoryCache) evict() {
	toRemove := c.maxItems / 10
	if toRemove < 1 {
		toRemove = 1
	}
	for ; toRemove > 0; toRemove-- {
		var victim string
		var soonest time.Time
		for key, item := range c.items {
			if victim == "" || item.expiresAt.Before(soonest) {
				victim = key
				soonest = item.expiresAt
			}
		}
		if victim == "" {
			return
		}
		delete(c.items, victim)
	}
}

// Delete removes a value from the cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Clear removes all keys with the given prefix; empty prefix clears all
func (c *MemoryCache) Clear(ctx context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		c.items = make(map[string]memoryItem)
		return nil
	}
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
	return nil
}

// Ping always succeeds for the memory backend
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats(ctx context.Context) (*Stats, error) {
	c.mu.RLock()
	keys := int64(len(c.items))
	c.mu.RUnlock()

	return &Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Keys:      keys,
		Connected: true,
		Backend:   "memory",
	}, nil
}

// Close stops the sweeper and drops all items
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	c.items = make(map[string]memoryItem)
	c.mu.Unlock()
	return nil
}
