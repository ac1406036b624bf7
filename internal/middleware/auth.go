package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/model"
)

// minAuthDuration pads failed and successful lookups to the same latency.
const minAuthDuration = 200 * time.Millisecond

// KeyStore looks up API keys.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

// CallerCache caches resolved callers by key hash.
type CallerCache interface {
	GetCaller(ctx context.Context, cacheKey string) (*model.CallerContext, error)
	SetCaller(ctx context.Context, cacheKey string, caller *model.CallerContext) error
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger *slog.Logger
	Keys   KeyStore
	Cache  CallerCache // optional
	// MinDuration overrides minAuthDuration; tests set it to zero.
	MinDuration *time.Duration
}

// Auth resolves the API key on the request to a caller address and stores
// it in the request context. Every failure gets the same 401.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	minDuration := minAuthDuration
	if cfg.MinDuration != nil {
		minDuration = *cfg.MinDuration
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			caller, reason := authenticate(r, cfg)
			if elapsed := time.Since(start); elapsed < minDuration {
				time.Sleep(minDuration - elapsed)
			}

			if caller == nil {
				cfg.Logger.Warn("authentication_failed",
					slog.String("reason", reason),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing API key")
				return
			}

			if f := fieldsFrom(r.Context()); f != nil {
				f.caller = caller
			}
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
		})
	}
}

// authenticate returns the caller or the reason it could not.
func authenticate(r *http.Request, cfg AuthConfig) (*model.CallerContext, string) {
	ctx := r.Context()

	key := extractAPIKey(r)
	if key == "" {
		return nil, "missing_key"
	}
	parsed, err := auth.ParseAPIKey(key)
	if err != nil {
		return nil, "invalid_format"
	}

	cacheKey := auth.CacheKey(key)
	if cfg.Cache != nil {
		if caller, _ := cfg.Cache.GetCaller(ctx, cacheKey); caller != nil {
			return caller, ""
		}
	}

	candidates, err := cfg.Keys.GetAPIKeysByPrefix(ctx, parsed.Prefix)
	if err != nil {
		cfg.Logger.Error("api_key_lookup_failed",
			slog.String("error", err.Error()),
			slog.String("request_id", GetRequestID(ctx)),
		)
		return nil, "lookup_error"
	}

	// Prefixes can collide; verify each candidate.
	var matched *model.APIKey
	for _, k := range candidates {
		if ok, err := auth.Verify(key, k.KeyHash); err == nil && ok {
			matched = k
			break
		}
	}
	if matched == nil || matched.IsRevoked() {
		return nil, "invalid_key"
	}

	caller := matched.Caller()
	if cfg.Cache != nil {
		_ = cfg.Cache.SetCaller(ctx, cacheKey, caller)
	}

	go func(id string) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = cfg.Keys.UpdateAPIKeyLastUsed(ctx, id)
	}(matched.ID)

	return caller, ""
}

// extractAPIKey reads "Authorization: Bearer <key>" or "X-API-Key: <key>".
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
