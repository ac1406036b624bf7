package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardianvault/recoveryd/internal/model"
)

// Cache key prefixes and TTLs.
const (
	accountKeyPrefix  = "account:"
	negCacheKeySuffix = ":neg"

	// DefaultAccountTTL is the TTL for cached account records.
	DefaultAccountTTL = 10 * time.Minute

	// NegativeCacheTTL is the TTL for negative cache entries.
	NegativeCacheTTL = time.Minute
)

// Common cache errors.
var (
	ErrCacheMiss = errors.New("cache miss")
)

type cachedAccount struct {
	Record  *model.AccountRecord `json:"record"`
	Version int64                `json:"version"`
}

// GetAccount retrieves an account record from cache.
// Returns ErrCacheMiss if not found.
func (c *Cache) GetAccount(ctx context.Context, id string) (*model.AccountRecord, error) {
	data, err := c.client.Get(ctx, accountKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cached cachedAccount
	if err := json.Unmarshal(data, &cached); err != nil || cached.Record == nil {
		// Corrupted cache entry - treat as miss
		return nil, ErrCacheMiss
	}
	cached.Record.Version = cached.Version
	return cached.Record, nil
}

// SetAccount stores an account record in cache.
func (c *Cache) SetAccount(ctx context.Context, rec *model.AccountRecord) error {
	data, err := json.Marshal(cachedAccount{Record: rec, Version: rec.Version})
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}

	key := accountKeyPrefix + rec.ID
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, data, DefaultAccountTTL)
	pipe.Del(ctx, key+negCacheKeySuffix)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache account: %w", err)
	}

	return nil
}

// DeleteAccount removes an account from cache.
func (c *Cache) DeleteAccount(ctx context.Context, id string) error {
	key := accountKeyPrefix + id

	pipe := c.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, key+negCacheKeySuffix)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete account from cache: %w", err)
	}

	return nil
}

// IsNegativelyCached checks if an account id is in negative cache.
func (c *Cache) IsNegativelyCached(ctx context.Context, id string) (bool, error) {
	exists, err := c.client.Exists(ctx, accountKeyPrefix+id+negCacheKeySuffix).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check negative cache: %w", err)
	}

	return exists > 0, nil
}

// SetNegativeCache marks an account id as not found.
func (c *Cache) SetNegativeCache(ctx context.Context, id string) error {
	err := c.client.SetEx(ctx, accountKeyPrefix+id+negCacheKeySuffix, "", NegativeCacheTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set negative cache: %w", err)
	}

	return nil
}
