package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultLocalTTL = 10 * time.Minute

// LRUCache is a bounded in-process result cache. Entries leave on
// eviction, at the cache-wide TTL, or at a shorter per-entry deadline.
type LRUCache struct {
	ttl   time.Duration
	items *expirable.LRU[string, entry]
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// NewLRUCache holds up to maxSize results (0 = 10000) for at most ttl
// (0 = 10 minutes).
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = defaultLocalTTL
	}
	return &LRUCache{
		ttl:   ttl,
		items: expirable.NewLRU[string, entry](maxSize, nil, ttl),
	}
}

func (c *LRUCache) get(key string) ([]byte, bool) {
	e, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.items.Remove(key)
		return nil, false
	}
	return e.data, true
}

func (c *LRUCache) set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	c.items.Add(key, entry{data: data, expiresAt: time.Now().Add(ttl)})
}

// GetResult decodes a cached result into dst.
func (c *LRUCache) GetResult(ctx context.Context, key string, dst any) (bool, error) {
	data, ok := c.get(key)
	if !ok {
		return false, nil
	}
	return decode(key, data, dst)
}

// SetResult caches v for ttl, capped at the cache-wide TTL.
func (c *LRUCache) SetResult(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}
	c.set(key, data, ttl)
	return nil
}

// Invalidate removes entries whose key starts with prefix.
func (c *LRUCache) Invalidate(ctx context.Context, prefix string) (int, error) {
	removed := 0
	for _, key := range c.items.Keys() {
		if strings.HasPrefix(key, prefix) && c.items.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of entries, expired ones included until swept.
func (c *LRUCache) Len() int {
	return c.items.Len()
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.items.Purge()
	return nil
}
