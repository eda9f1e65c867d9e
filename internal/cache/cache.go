// Package cache keeps computed KPI results so repeated dashboard settings
// skip evaluation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/ipsim/internal/domain"
)

// New builds the cache named by cfg.Type.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize, cfg.LocalTTL), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func encode(key string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result %s: %w", key, err)
	}
	return data, nil
}

func decode(key string, data []byte, dst any) (bool, error) {
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached result %s: %w", key, err)
	}
	return true, nil
}

// noExpiry is what PTTL reports for a key without a TTL.
const noExpiry = time.Duration(-1)

// remote is the shared tier behind a TwoPhaseCache.
type remote interface {
	get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	domain.Cache
}

// TwoPhaseCache reads through a local LRU (L1) to Redis (L2). L1 entries
// never outlive the L2 entry they were copied from.
type TwoPhaseCache struct {
	local  *LRUCache
	remote remote
}

// NewTwoPhaseCache connects the L2 and builds the L1 from cfg.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	r, err := NewRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize, cfg.LocalTTL), r), nil
}

func newTwoPhase(local *LRUCache, r remote) *TwoPhaseCache {
	return &TwoPhaseCache{local: local, remote: r}
}

// GetResult serves from L1, falling back to L2 and copying the entry into
// L1 for its remaining lifetime.
func (c *TwoPhaseCache) GetResult(ctx context.Context, key string, dst any) (bool, error) {
	if data, ok := c.local.get(key); ok {
		return decode(key, data, dst)
	}

	data, ttl, ok, err := c.remote.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	switch {
	case ttl > 0:
		c.local.set(key, data, ttl)
	case ttl == noExpiry:
		c.local.set(key, data, 0)
	}
	return decode(key, data, dst)
}

// SetResult writes L2 first so L1 never holds what L2 rejected.
func (c *TwoPhaseCache) SetResult(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}
	if err := c.remote.SetResult(ctx, key, json.RawMessage(data), ttl); err != nil {
		return err
	}
	c.local.set(key, data, ttl)
	return nil
}

// Invalidate clears both tiers. Other replicas keep their L1 copies until
// those expire.
func (c *TwoPhaseCache) Invalidate(ctx context.Context, prefix string) (int, error) {
	c.local.Invalidate(ctx, prefix)
	return c.remote.Invalidate(ctx, prefix)
}

// Ping checks L2; L1 is always available.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both tiers.
func (c *TwoPhaseCache) Close() error {
	c.local.Close()
	return c.remote.Close()
}
