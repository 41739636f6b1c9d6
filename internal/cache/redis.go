// Package cache wraps the key-value cache collaborator. The cache holds
// request snapshots and rate-limit counters; it is a convenience layer, never
// the source of truth, so callers are expected to treat absence as "fall back
// to the store".
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis key-value operations used by the pipeline. No
// transactional guarantees are provided across keys.
type Client struct {
	client *redis.Client
}

// Config holds connection settings for the cache.
type Config struct {
	URL      string
	Password string
}

// New creates a cache client and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to cache: %w", err)
	}

	return &Client{client: client}, nil
}

// SetWithTTL stores a value under key with a bounded lifetime.
func (c *Client) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the value for key. Absence (miss or expiry) is reported via the
// boolean, not as an error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Increment atomically increments the counter at key and returns the new
// count. A missing key counts from zero.
func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache increment %q: %w", key, err)
	}
	return count, nil
}

// Expire sets the remaining lifetime of key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
