package rewrite

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache stores rewrites keyed by model and raw query.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// loader is implemented by caches that compute missing entries themselves.
type loader interface {
	load(key string, fn func() Result) Result
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryCache is an in-process cache with a fixed TTL per entry.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(c.ttl)}
	return nil
}

// PinnedCache fixes the rewrite of each distinct query for its lifetime.
// Concurrent callers with the same query share one rewrite call, and
// degraded fallbacks are pinned too, so every case in an evaluation run
// sees the same text for the same query.
type PinnedCache struct {
	group   singleflight.Group
	mu      sync.Mutex
	results map[string]Result
}

func NewPinnedCache() *PinnedCache {
	return &PinnedCache{results: make(map[string]Result)}
}

func (c *PinnedCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[key]
	return r.Query, ok, nil
}

func (c *PinnedCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.results[key]; !ok {
		c.results[key] = Result{Query: value}
	}
	return nil
}

// Len reports how many distinct queries have been pinned.
func (c *PinnedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *PinnedCache) load(key string, fn func() Result) Result {
	c.mu.Lock()
	if r, ok := c.results[key]; ok {
		c.mu.Unlock()
		return r
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.results[key]; ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()

		r := fn()
		c.mu.Lock()
		c.results[key] = r
		c.mu.Unlock()
		return r, nil
	})
	return v.(Result)
}
