package cachekv

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryCacheSize = 100_000

// MemoryCache is the single-process fallback when Redis is not configured.
// KV entries live in an expiring LRU; sets are plain maps with an expiry
// stamp checked on access. Sizes are bounded so an ingest burst cannot grow
// memory without limit.
type MemoryCache struct {
	kv *expirable.LRU[string, string]

	mu   sync.Mutex
	sets map[string]*memorySet
}

type memorySet struct {
	members  map[string]struct{}
	deadline time.Time
}

// NewMemoryCache builds an in-process cache. TTLs passed per call shorter
// than defaultTTL still expire via the per-entry deadline of the LRU.
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		kv:   expirable.NewLRU[string, string](memoryCacheSize, nil, defaultTTL),
		sets: make(map[string]*memorySet),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := c.kv.Get(key)
	return val, ok, nil
}

func (c *MemoryCache) SetTTL(_ context.Context, key, value string, _ time.Duration) error {
	c.kv.Add(key, value)
	return nil
}

func (c *MemoryCache) AddUnique(_ context.Context, key string, _ time.Duration) (bool, error) {
	if _, ok := c.kv.Get(key); ok {
		return false, nil
	}
	c.kv.Add(key, "1")
	return true, nil
}

func (c *MemoryCache) SetAdd(_ context.Context, key string, ttl time.Duration, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.sets[key]
	if !ok || time.Now().After(set.deadline) {
		set = &memorySet{members: make(map[string]struct{})}
		c.sets[key] = set
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	set.deadline = time.Now().Add(ttl)
	return nil
}

func (c *MemoryCache) SetPopAll(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.sets[key]
	if !ok {
		return nil, nil
	}
	delete(c.sets, key)
	if time.Now().After(set.deadline) {
		return nil, nil
	}
	out := make([]string, 0, len(set.members))
	for m := range set.members {
		out = append(out, m)
	}
	return out, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.kv.Remove(key)
	return nil
}

func (c *MemoryCache) Close() error { return nil }
