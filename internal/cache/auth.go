package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

const (
	// authCachePrefix is the Redis key prefix for caller context cache.
	authCachePrefix = "auth:caller:"
	// authCacheTTL is the time-to-live for cached caller contexts.
	authCacheTTL = 5 * time.Minute
	// revokedKeyPrefix marks key IDs revoked while their callers may
	// still be cached. Markers outlive every cached entry.
	revokedKeyPrefix = "auth:revoked:"
)

// CachedCaller represents a caller context stored in Redis.
type CachedCaller struct {
	KeyID         string `json:"key_id"`
	KeyPrefix     string `json:"key_prefix"`
	Address       string `json:"address"`
	RateLimitTier string `json:"rate_limit_tier"`
}

// GetCaller retrieves a cached caller context by cache key.
// Returns nil if not found (cache miss).
func (c *Cache) GetCaller(ctx context.Context, cacheKey string) (*model.CallerContext, error) {
	data, err := c.client.Get(ctx, authCachePrefix+cacheKey).Bytes()
	if err != nil {
		// Cache miss is not an error
		return nil, nil //nolint:nilerr
	}

	var cached CachedCaller
	if err := json.Unmarshal(data, &cached); err != nil {
		// Corrupted cache entry - treat as miss
		return nil, nil //nolint:nilerr
	}

	revoked, err := c.client.Exists(ctx, revokedKeyPrefix+cached.KeyID).Result()
	if err != nil || revoked > 0 {
		return nil, nil //nolint:nilerr
	}

	return &model.CallerContext{
		KeyID:         cached.KeyID,
		KeyPrefix:     cached.KeyPrefix,
		Address:       model.Address(cached.Address),
		RateLimitTier: cached.RateLimitTier,
	}, nil
}

// SetCaller caches a caller context.
func (c *Cache) SetCaller(ctx context.Context, cacheKey string, caller *model.CallerContext) error {
	data, err := json.Marshal(CachedCaller{
		KeyID:         caller.KeyID,
		KeyPrefix:     caller.KeyPrefix,
		Address:       caller.Address.String(),
		RateLimitTier: caller.RateLimitTier,
	})
	if err != nil {
		return fmt.Errorf("marshal caller context: %w", err)
	}

	return c.client.Set(ctx, authCachePrefix+cacheKey, data, authCacheTTL).Err()
}

// MarkKeyRevoked makes every cached caller of keyID a miss. The cache is
// keyed by plaintext digest, which is unknown at revocation time.
func (c *Cache) MarkKeyRevoked(ctx context.Context, keyID string) error {
	return c.client.Set(ctx, revokedKeyPrefix+keyID, 1, authCacheTTL+time.Minute).Err()
}
