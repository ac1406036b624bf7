package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/handler/dto"
	"github.com/guardianvault/recoveryd/internal/middleware"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/repository"
)

// APIKeyStore persists API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeysByAddress(ctx context.Context, address model.Address) ([]*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// KeyRevoker invalidates cached callers of a revoked key.
type KeyRevoker interface {
	MarkKeyRevoked(ctx context.Context, keyID string) error
}

// APIKeyHandler lets a caller manage the keys bound to its own address.
type APIKeyHandler struct {
	logger  *slog.Logger
	keys    APIKeyStore
	revoker KeyRevoker
	env     string
	params  auth.Params
}

// NewAPIKeyHandler creates a new APIKeyHandler. env is auth.EnvLive or
// auth.EnvTest; revoker may be nil.
func NewAPIKeyHandler(logger *slog.Logger, keys APIKeyStore, revoker KeyRevoker, env string) *APIKeyHandler {
	return &APIKeyHandler{
		logger:  logger.With("component", "apikey.handler"),
		keys:    keys,
		revoker: revoker,
		env:     env,
		params:  auth.DefaultParams,
	}
}

// WithParams overrides the argon2id parameters used for new keys.
func (h *APIKeyHandler) WithParams(p auth.Params) *APIKeyHandler {
	h.params = p
	return h
}

// Create handles POST /api/v1/api-keys.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}

	var req dto.CreateAPIKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateKeyName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_name", err.Error())
		return
	}

	key, plaintext, err := h.mint(r.Context(), caller.Address, model.TierStandard, req.Name)
	if err != nil {
		h.logger.Error("api_key_create_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create API key")
		return
	}

	h.logger.Info("api_key_created",
		slog.String("key_id", key.ID),
		slog.String("key_prefix", key.KeyPrefix),
		slog.String("address", key.Address.String()),
	)
	writeJSON(w, http.StatusCreated, toCreateResponse(key, plaintext))
}

// List handles GET /api/v1/api-keys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}

	keys, err := h.keys.ListAPIKeysByAddress(r.Context(), caller.Address)
	if err != nil {
		h.logger.Error("api_key_list_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to list API keys")
		return
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	writeJSON(w, http.StatusOK, dto.APIKeyListResponse{Data: keys})
}

// Revoke handles DELETE /api/v1/api-keys/{key_id}.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	key, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	if err := h.revoke(r.Context(), key.ID); err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			writeKeyNotFound(w)
			return
		}
		h.logger.Error("api_key_revoke_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to revoke API key")
		return
	}

	h.logger.Info("api_key_revoked", slog.String("key_id", key.ID), slog.String("address", key.Address.String()))
	w.WriteHeader(http.StatusNoContent)
}

// Rotate handles POST /api/v1/api-keys/{key_id}/rotate. The new key is
// created before the old one is revoked.
func (h *APIKeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	old, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	key, plaintext, err := h.mint(r.Context(), old.Address, old.RateLimitTier, old.Name)
	if err != nil {
		h.logger.Error("api_key_rotate_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to rotate API key")
		return
	}
	if err := h.revoke(r.Context(), old.ID); err != nil && !errors.Is(err, repository.ErrAPIKeyNotFound) {
		h.logger.Error("api_key_rotate_revoke_failed", slog.String("key_id", old.ID), slog.String("error", err.Error()))
	}

	h.logger.Info("api_key_rotated", slog.String("old_key_id", old.ID), slog.String("new_key_id", key.ID))
	writeJSON(w, http.StatusCreated, toCreateResponse(key, plaintext))
}

// ownedKey loads the path's key. Keys of other addresses and revoked keys
// are reported as not found so key IDs cannot be enumerated.
func (h *APIKeyHandler) ownedKey(w http.ResponseWriter, r *http.Request) (*model.APIKey, bool) {
	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return nil, false
	}

	key, err := h.keys.GetAPIKeyByID(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		if !errors.Is(err, repository.ErrAPIKeyNotFound) {
			h.logger.Error("api_key_lookup_failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, CodeInternal, "failed to load API key")
			return nil, false
		}
		writeKeyNotFound(w)
		return nil, false
	}
	if !key.Address.Equal(caller.Address) || key.IsRevoked() {
		writeKeyNotFound(w)
		return nil, false
	}
	return key, true
}

func (h *APIKeyHandler) mint(ctx context.Context, address model.Address, tier, name string) (*model.APIKey, string, error) {
	gen, err := auth.GenerateAPIKey(h.env, h.params)
	if err != nil {
		return nil, "", err
	}
	key := &model.APIKey{
		ID:            ulid.Make().String(),
		Address:       address,
		KeyHash:       gen.Hash,
		KeyPrefix:     gen.Prefix,
		RateLimitTier: tier,
		Name:          name,
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, gen.Plaintext, nil
}

func (h *APIKeyHandler) revoke(ctx context.Context, id string) error {
	if err := h.keys.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	if h.revoker != nil {
		if err := h.revoker.MarkKeyRevoked(ctx, id); err != nil {
			h.logger.Warn("api_key_cache_invalidation_failed", slog.String("key_id", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

func toCreateResponse(key *model.APIKey, plaintext string) dto.APIKeyCreateResponse {
	return dto.APIKeyCreateResponse{
		ID:            key.ID,
		Key:           plaintext,
		KeyPrefix:     key.KeyPrefix,
		Address:       key.Address,
		Name:          key.Name,
		RateLimitTier: key.RateLimitTier,
		CreatedAt:     key.CreatedAt,
	}
}

func writeKeyNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "key_not_found", "API key not found or already revoked")
}
