// Package cache provides the Redis layer: account read cache, per-account
// locks, caller context cache and rate limiting.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// clientName shows up in CLIENT LIST next to the notify consumers.
const clientName = "recoveryd"

// Cache wraps the shared Redis client. The same client backs the lock, the
// caches and the notification stream.
type Cache struct {
	client *redis.Client
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if opt.ClientName == "" {
		opt.ClientName = clientName
	}

	// Lock acquisition polls and every command takes one; keep enough
	// connections for concurrent accounts plus the notify worker's blocking
	// reads.
	opt.PoolSize = 20
	opt.MinIdleConns = 4
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Ping reports Redis reachability for the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying client for the notify publisher and worker.
func (c *Cache) Client() *redis.Client {
	return c.client
}
