package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Item represents a cached value with expiration
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (item *Item[V]) expired(now time.Time) bool {
	return now.After(item.ExpiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support
type Cache[V any] struct {
	items           map[string]*Item[V]
	mu              sync.RWMutex
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// New creates a cache with default TTL and starts its cleanup loop.
func New[V any](defaultTTL time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:           make(map[string]*Item[V]),
		defaultTTL:      defaultTTL,
		cleanupInterval: max(defaultTTL/2, 10*time.Millisecond),
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go c.cleanup()

	return c
}

// Get retrieves a value from cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	item, exists := c.items[key]
	if !exists || item.expired(c.now()) {
		return zero, false
	}
	return item.Value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value in cache with custom TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[key] = &Item[V]{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// Delete removes a key from cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all items from cache
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item[V])
}

// Invalidate removes keys with the given prefix, or every expired item when
// prefix is empty.
func (c *Cache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		now := c.now()
		for key, item := range c.items {
			if item.expired(now) {
				delete(c.items, key)
			}
		}
		return
	}

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Size returns the number of items in cache, expired ones included
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cache statistics
type Stats struct {
	Size      int
	Expired   int
	TotalKeys int
}

// GetStats returns cache statistics
func (c *Cache[V]) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		TotalKeys: len(c.items),
	}

	now := c.now()
	for _, item := range c.items {
		if item.expired(now) {
			stats.Expired++
		}
	}

	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}

// WithFallback is a cache that fills misses from a loader. Concurrent misses
// for one key share a single load.
type WithFallback[V any] struct {
	cache   *Cache[V]
	loading singleflight.Group
}

// NewWithFallback creates a cache with fallback function support
func NewWithFallback[V any](defaultTTL time.Duration) *WithFallback[V] {
	return &WithFallback[V]{
		cache: New[V](defaultTTL),
	}
}

// GetOrSet retrieves from cache or calls fallback and caches its result.
// A ttl of zero uses the default. Errors are not cached.
func (c *WithFallback[V]) GetOrSet(ctx context.Context, key string, fallback func(context.Context) (V, error), ttl time.Duration) (V, error) {
	if value, found := c.cache.Get(key); found {
		return value, nil
	}

	v, err, _ := c.loading.Do(key, func() (any, error) {
		if value, found := c.cache.Get(key); found {
			return value, nil
		}
		value, err := fallback(ctx)
		if err != nil {
			return value, err
		}
		if ttl > 0 {
			c.cache.SetWithTTL(key, value, ttl)
		} else {
			c.cache.Set(key, value)
		}
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate invalidates cache entries matching prefix
func (c *WithFallback[V]) Invalidate(prefix string) {
	c.cache.Invalidate(prefix)
}

// Stop stops the cache cleanup
func (c *WithFallback[V]) Stop() {
	c.cache.Stop()
}
