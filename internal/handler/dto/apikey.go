package dto

import (
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

// CreateAPIKeyRequest is the body of POST /api-keys.
type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// APIKeyCreateResponse carries the plaintext key. It is shown once.
type APIKeyCreateResponse struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	KeyPrefix     string        `json:"key_prefix"`
	Address       model.Address `json:"address"`
	Name          string        `json:"name,omitempty"`
	RateLimitTier string        `json:"rate_limit_tier"`
	CreatedAt     time.Time     `json:"created_at"`
}

// APIKeyListResponse lists the caller's keys without secrets.
type APIKeyListResponse struct {
	Data []*model.APIKey `json:"data"`
}
