package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/guardianvault/recoveryd/internal/model"
)

var (
	ErrAPIKeyNotFound = errors.New("API key not found")
	ErrAPIKeyExists   = errors.New("API key already exists")
)

// lastUsedResolution bounds how often a busy key rewrites last_used_at.
const lastUsedResolution = time.Minute

const apiKeyColumns = `id, address, key_hash, key_prefix, rate_limit_tier, name, revoked_at, last_used_at, created_at`

// CreateAPIKey stores a key. Only the argon2id hash of the secret is kept.
func (r *Repository) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, address, key_hash, key_prefix, rate_limit_tier, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Address.String(), key.KeyHash, key.KeyPrefix, key.RateLimitTier, key.Name, key.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAPIKeyExists
		}
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// GetAPIKeyByID returns a key whether or not it is revoked.
func (r *Repository) GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}
	return key, nil
}

// GetAPIKeysByPrefix returns the live keys sharing a public prefix; auth
// verifies the secret against each.
func (r *Repository) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error) {
	return r.queryAPIKeys(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`,
		prefix)
}

// ListAPIKeysByAddress returns every key bound to address, newest first,
// revoked ones included.
func (r *Repository) ListAPIKeysByAddress(ctx context.Context, address model.Address) ([]*model.APIKey, error) {
	return r.queryAPIKeys(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE address = $1 ORDER BY created_at DESC, id DESC`,
		address.String())
}

// RevokeAPIKey marks a live key revoked. Revoking an unknown or already
// revoked key returns ErrAPIKeyNotFound.
func (r *Repository) RevokeAPIKey(ctx context.Context, id string) error {
	var revoked string
	err := r.pool.QueryRow(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING id`, id).Scan(&revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAPIKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	return nil
}

// UpdateAPIKeyLastUsed stamps last_used_at, at most once per
// lastUsedResolution per key. Auth calls it off the request path.
func (r *Repository) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = now()
		WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < now() - make_interval(secs => $2))`,
		id, lastUsedResolution.Seconds())
	if err != nil {
		return fmt.Errorf("failed to update API key last used: %w", err)
	}
	return nil
}

func (r *Repository) queryAPIKeys(ctx context.Context, query string, arg any) ([]*model.APIKey, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.APIKey, error) {
		return scanAPIKey(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan API keys: %w", err)
	}
	return keys, nil
}

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var (
		key     model.APIKey
		address string
	)
	if err := row.Scan(
		&key.ID, &address, &key.KeyHash, &key.KeyPrefix, &key.RateLimitTier,
		&key.Name, &key.RevokedAt, &key.LastUsedAt, &key.CreatedAt,
	); err != nil {
		return nil, err
	}
	key.Address = model.Address(address)
	return &key, nil
}
