package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/cache"
	"github.com/guardianvault/recoveryd/internal/handler"
	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/middleware"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/repository"
	"github.com/guardianvault/recoveryd/internal/service"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

var cheapParams = auth.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type keyStore struct {
	mu   sync.Mutex
	keys []*model.APIKey
}

func (s *keyStore) CreateAPIKey(_ context.Context, key *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

func (s *keyStore) GetAPIKeyByID(_ context.Context, id string) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, repository.ErrAPIKeyNotFound
}

func (s *keyStore) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && !k.IsRevoked() {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *keyStore) ListAPIKeysByAddress(_ context.Context, address model.Address) ([]*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.Address.Equal(address) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *keyStore) RevokeAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id && !k.IsRevoked() {
			now := time.Now()
			k.RevokedAt = &now
			return nil
		}
	}
	return repository.ErrAPIKeyNotFound
}

func (s *keyStore) UpdateAPIKeyLastUsed(context.Context, string) error { return nil }

type allowAll struct{ deny bool }

func (a allowAll) result() (*cache.RateLimitResult, error) {
	return &cache.RateLimitResult{Allowed: !a.deny, Remaining: 1, ResetAt: time.Now().Add(time.Minute), RetryAfter: time.Second}, nil
}

func (a allowAll) CheckAPIRateLimit(context.Context, string, int, int) (*cache.RateLimitResult, error) {
	return a.result()
}

func (a allowAll) CheckIPRateLimit(context.Context, string, int, int) (*cache.RateLimitResult, error) {
	return a.result()
}

type routerEnv struct {
	router http.Handler
	keys   *keyStore
}

func newRouterEnv(t *testing.T, limiter middleware.Limiter) *routerEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	zero := time.Duration(0)
	keys := &keyStore{}
	recorder := metrics.NewInMemory()

	svc := service.NewAccountService(service.Deps{
		Store:   testutil.NewMemoryStore(),
		Vault:   testutil.NewFakeVault(),
		Loans:   testutil.NewFakeLoans(1_000),
		Metrics: recorder,
		Logger:  logger,
	}, recovery.MachineConfig{TimelockDuration: time.Hour, CreditCeiling: 100})

	router := NewRouter(RouterConfig{
		Logger:   logger,
		Health:   handler.NewHealthHandler(nil, nil, logger),
		Metrics:  handler.NewMetricsHandler(recorder),
		Accounts: handler.NewAccountHandler(svc, logger),
		APIKeys:  handler.NewAPIKeyHandler(logger, keys, nil, auth.EnvTest).WithParams(cheapParams),
		Auth: middleware.AuthConfig{
			Logger:      logger,
			Keys:        keys,
			MinDuration: &zero,
		},
		RateLimit:   middleware.RateLimitConfig{Logger: logger, Limiter: limiter, Enabled: true},
		CORS:        middleware.DefaultCORSConfig(),
		Security:    middleware.SecurityConfig{IsDevelopment: true},
		MaxBodySize: 1024,
	})
	return &routerEnv{router: router, keys: keys}
}

func (e *routerEnv) mintKey(t *testing.T, addr model.Address) string {
	t.Helper()
	gen, err := auth.GenerateAPIKey(auth.EnvTest, cheapParams)
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	_ = e.keys.CreateAPIKey(context.Background(), &model.APIKey{
		ID:            testutil.UniqueID("key"),
		Address:       addr,
		KeyHash:       gen.Hash,
		KeyPrefix:     gen.Prefix,
		RateLimitTier: model.TierStandard,
		CreatedAt:     time.Now(),
	})
	return gen.Plaintext
}

func (e *routerEnv) call(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicEndpoints(t *testing.T) {
	e := newRouterEnv(t, allowAll{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := e.call(http.MethodGet, path, "", "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get(middleware.RequestIDHeader) == "" {
			t.Errorf("%s: missing global middleware headers", path)
		}
	}
}

func TestRouter_RequiresAPIKey(t *testing.T) {
	e := newRouterEnv(t, allowAll{})

	rec := e.call(http.MethodPost, "/api/v1/accounts", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"unauthorized"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRouter_AccountLifecycleWithKeys(t *testing.T) {
	e := newRouterEnv(t, allowAll{})
	owner, guardian, claimant := testutil.Addr(1), testutil.Addr(10), testutil.Addr(2)
	ownerKey := e.mintKey(t, owner)
	guardianKey := e.mintKey(t, guardian)
	claimantKey := e.mintKey(t, claimant)

	rec := e.call(http.MethodPost, "/api/v1/accounts", ownerKey, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")

	rec = e.call(http.MethodPost, location+"/guardians", ownerKey, `{"address":"`+guardian.String()+`","label":"sis"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add guardian: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.call(http.MethodPost, location+"/recovery", claimantKey, `{"new_owner":"`+claimant.String()+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.call(http.MethodPost, location+"/recovery/approvals", guardianKey, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"phase":"timelocked"`) {
		t.Fatalf("approve: unexpected %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, location+"/credit/draws", strings.NewReader(`{"amount":40}`))
	req.Header.Set("Authorization", "Bearer "+claimantKey)
	req.Header.Set(middleware.IdempotencyKeyHeader, "rent-march")
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"remaining":60`) {
		t.Fatalf("draw: unexpected %d: %s", rec.Code, rec.Body.String())
	}

	rec = e.call(http.MethodGet, location, guardianKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get as guardian: expected 200, got %d", rec.Code)
	}

	rec = e.call(http.MethodGet, "/api/v1/api-keys", ownerKey, "")
	if rec.Code != http.StatusOK || strings.Count(rec.Body.String(), `"key_prefix"`) != 1 {
		t.Errorf("list keys: unexpected %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_RateLimited(t *testing.T) {
	e := newRouterEnv(t, allowAll{deny: true})

	rec := e.call(http.MethodPost, "/api/v1/accounts", e.mintKey(t, testutil.Addr(1)), "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
