package model

import "time"

// Rate limit tiers. Guardians approve under time pressure during a
// recovery, so their keys get more headroom.
const (
	TierStandard  = "standard"
	TierGuardian  = "guardian"
	TierUnlimited = "unlimited"
)

// RateLimitConfig is the token bucket of a tier. A zero rate is unlimited.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// TierConfigs maps tier names to their buckets.
var TierConfigs = map[string]RateLimitConfig{
	TierStandard:  {RequestsPerMinute: 60, Burst: 10},
	TierGuardian:  {RequestsPerMinute: 120, Burst: 20},
	TierUnlimited: {},
}

// IsValidTier reports whether tier is a known tier name.
func IsValidTier(tier string) bool {
	_, ok := TierConfigs[tier]
	return ok
}

// TierLimit returns the bucket of tier, falling back to the standard tier
// for unknown names.
func TierLimit(tier string) RateLimitConfig {
	if cfg, ok := TierConfigs[tier]; ok {
		return cfg
	}
	return TierConfigs[TierStandard]
}

// APIKey authenticates a caller as an Address. Ledger signatures are never
// checked; the address bound to the key is trusted.
type APIKey struct {
	ID            string     `json:"id"`
	Address       Address    `json:"address"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"`
	RateLimitTier string     `json:"rate_limit_tier"`
	Name          string     `json:"name,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsRevoked returns true if the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// Caller returns the request identity the key resolves to.
func (k *APIKey) Caller() *CallerContext {
	return &CallerContext{
		KeyID:         k.ID,
		KeyPrefix:     k.KeyPrefix,
		Address:       k.Address,
		RateLimitTier: k.RateLimitTier,
	}
}

// CallerContext is the authenticated caller of a request, stored in the
// request context by the auth middleware and cached in Redis.
type CallerContext struct {
	KeyID         string  `json:"key_id"`
	KeyPrefix     string  `json:"key_prefix"`
	Address       Address `json:"address"`
	RateLimitTier string  `json:"rate_limit_tier"`
}
