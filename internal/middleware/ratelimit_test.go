package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/cache"
	"github.com/guardianvault/recoveryd/internal/model"
)

type fakeLimiter struct {
	allowed bool
	err     error
	gotKey  string
	gotIP   string
	gotRate int
}

func (f *fakeLimiter) result() (*cache.RateLimitResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &cache.RateLimitResult{Allowed: f.allowed, Remaining: 3, ResetAt: time.Now().Add(time.Minute), RetryAfter: 2 * time.Second}, nil
}

func (f *fakeLimiter) CheckAPIRateLimit(_ context.Context, keyID string, rate, _ int) (*cache.RateLimitResult, error) {
	f.gotKey, f.gotRate = keyID, rate
	return f.result()
}

func (f *fakeLimiter) CheckIPRateLimit(_ context.Context, ip string, rate, _ int) (*cache.RateLimitResult, error) {
	f.gotIP, f.gotRate = ip, rate
	return f.result()
}

func withCaller(tier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithCaller(r.Context(), &model.CallerContext{KeyID: "key-1", RateLimitTier: tier})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TestRateLimitAPI(t *testing.T) {
	tests := []struct {
		name       string
		tier       string
		limiter    *fakeLimiter
		wantStatus int
		wantRate   int
	}{
		{"allowed", model.TierStandard, &fakeLimiter{allowed: true}, http.StatusOK, 60},
		{"guardian tier", model.TierGuardian, &fakeLimiter{allowed: true}, http.StatusOK, 120},
		{"limited", model.TierStandard, &fakeLimiter{allowed: false}, http.StatusTooManyRequests, 60},
		{"unlimited tier skips limiter", model.TierUnlimited, &fakeLimiter{allowed: false}, http.StatusOK, 0},
		{"limiter error fails open", model.TierStandard, &fakeLimiter{err: errors.New("redis down")}, http.StatusOK, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RateLimitConfig{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), Limiter: tt.limiter, Enabled: true}
			h := withCaller(tt.tier)(RateLimitAPI(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.limiter.gotRate != tt.wantRate {
				t.Errorf("rate = %d, want %d", tt.limiter.gotRate, tt.wantRate)
			}
			if tt.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "2" {
				t.Errorf("Retry-After = %q, want 2", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRateLimitIP(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	cfg := RateLimitConfig{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), Limiter: limiter, Enabled: true}
	h := RateLimitIP(cfg, DefaultIPRatePerMinute, DefaultIPBurst)(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if limiter.gotIP != "203.0.113.9" {
		t.Errorf("ip = %q, want 203.0.113.9", limiter.gotIP)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	cfg := RateLimitConfig{Logger: slog.Default(), Limiter: limiter, Enabled: false}
	h := withCaller(model.TierStandard)(RateLimitAPI(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || limiter.gotKey != "" {
		t.Errorf("disabled limiter was consulted")
	}
}
