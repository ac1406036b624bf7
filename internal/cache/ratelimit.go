package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketFamily is one keyspace of token buckets.
type bucketFamily struct {
	prefix string
	ttl    time.Duration
}

var (
	// Keyed by API key id after authentication.
	callerBuckets = bucketFamily{prefix: "ratelimit:key:", ttl: 2 * time.Minute}
	// Keyed by hashed client IP before authentication.
	ipBuckets = bucketFamily{prefix: "ratelimit:ip:", ttl: time.Minute}
)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// takeTokenScript refills a bucket for the elapsed time and takes one
// token. Times are unix milliseconds; rate is tokens per millisecond.
// Returns {allowed, retry_after_ms, remaining}.
var takeTokenScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'at')
local tokens = tonumber(state[1]) or burst
local at = tonumber(state[2]) or now
if now > at then
	tokens = math.min(burst, tokens + (now - at) * rate)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'at', now)
redis.call('PEXPIRE', key, ttl_ms)
return {allowed, wait, math.floor(tokens)}
`)

// CheckAPIRateLimit takes one token from the bucket of an API key. A zero
// rate is the unlimited tier and never touches Redis.
func (c *Cache) CheckAPIRateLimit(ctx context.Context, keyID string, ratePerMinute, burst int) (*RateLimitResult, error) {
	if ratePerMinute == 0 {
		return &RateLimitResult{Allowed: true, Remaining: int64(burst), ResetAt: time.Now().Add(time.Minute)}, nil
	}
	return c.take(ctx, callerBuckets, keyID, ratePerMinute, burst)
}

// CheckIPRateLimit takes one token from the bucket of a client IP. It runs
// before authentication and bounds API key guessing. Only a hash of the IP
// is stored.
func (c *Cache) CheckIPRateLimit(ctx context.Context, ip string, ratePerMinute, burst int) (*RateLimitResult, error) {
	return c.take(ctx, ipBuckets, hashIP(ip), ratePerMinute, burst)
}

// take returns Redis errors; callers decide whether to fail open.
func (c *Cache) take(ctx context.Context, family bucketFamily, id string, ratePerMinute, burst int) (*RateLimitResult, error) {
	if ratePerMinute <= 0 || burst <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d/min burst %d", ratePerMinute, burst)
	}
	perMilli := float64(ratePerMinute) / float64(time.Minute.Milliseconds())
	now := time.Now()

	res, err := takeTokenScript.Run(ctx, c.client,
		[]string{family.prefix + id},
		perMilli, burst, now.UnixMilli(), family.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", family.prefix, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", family.prefix, res)
	}

	// Retry-After is whole seconds; round up so clients never retry early.
	retry := time.Duration(res[1]) * time.Millisecond
	if rem := retry % time.Second; rem != 0 {
		retry += time.Second - rem
	}

	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Remaining:  res[2],
		ResetAt:    now.Add(time.Duration(float64(time.Millisecond) / perMilli)),
		RetryAfter: retry,
	}, nil
}

// hashIP returns the first 8 bytes of the SHA-256 of ip, hex encoded.
func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
