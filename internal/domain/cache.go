package domain

import (
	"context"
	"time"
)

// Cache holds JSON-encoded KPI results keyed by scenario. The in-memory LRU
// serves the community tier, Redis (optionally behind the LRU) the pro tier.
type Cache interface {
	// GetResult decodes the entry for key into dst and reports whether
	// there was one.
	GetResult(ctx context.Context, key string, dst any) (bool, error)

	// SetResult stores v under key for at most ttl.
	SetResult(ctx context.Context, key string, v any, ttl time.Duration) error

	// Invalidate removes every entry whose key starts with prefix and
	// returns how many were removed.
	Invalidate(ctx context.Context, prefix string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the result cache.
type CacheConfig struct {
	// Type is "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// In-memory LRU settings; also the L1 of the two-phase cache
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"localTtl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"-" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`

	// EnableTwoPhase puts the LRU in front of Redis
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase"`
}
