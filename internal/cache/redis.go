package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces result keys in a shared Redis.
const keyPrefix = "ipsim:result:"

// scanBatch bounds keys fetched per SCAN step and removed per UNLINK.
const scanBatch = 500

// RedisCache stores results in Redis so replicas share computed curves.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to cfg.RedisAddr and verifies the connection.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		ClientName:  "ipsim",
		DialTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client}, nil
}

// get returns the raw entry and its remaining lifetime in one round trip.
func (c *RedisCache) get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := c.client.Pipeline()
	val := pipe.Get(ctx, keyPrefix+key)
	ttl := pipe.PTTL(ctx, keyPrefix+key)

	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}

	data, err := val.Bytes()
	if err != nil {
		return nil, 0, false, err
	}
	return data, ttl.Val(), true, nil
}

// GetResult decodes a cached result into dst.
func (c *RedisCache) GetResult(ctx context.Context, key string, dst any) (bool, error) {
	data, _, ok, err := c.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return decode(key, data, dst)
}

// SetResult stores v for ttl.
func (c *RedisCache) SetResult(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// Invalidate walks matching keys with SCAN and removes them in batches
// with UNLINK, so large invalidations never block the server.
func (c *RedisCache) Invalidate(ctx context.Context, prefix string) (int, error) {
	iter := c.client.Scan(ctx, 0, keyPrefix+globEscape(prefix)+"*", scanBatch).Iterator()

	removed := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Unlink(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, flush()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// globEscape quotes the characters SCAN MATCH treats as patterns.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
