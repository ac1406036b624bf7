package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/handler/dto"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/repository"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]*model.APIKey
}

func (m *memoryKeys) CreateAPIKey(_ context.Context, key *model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := *key
	m.keys[key.ID] = &k
	return nil
}

func (m *memoryKeys) GetAPIKeyByID(_ context.Context, id string) (*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, repository.ErrAPIKeyNotFound
	}
	c := *k
	return &c, nil
}

func (m *memoryKeys) ListAPIKeysByAddress(_ context.Context, address model.Address) ([]*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.APIKey
	for _, k := range m.keys {
		if k.Address.Equal(address) {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memoryKeys) RevokeAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.RevokedAt != nil {
		return repository.ErrAPIKeyNotFound
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

type recordingRevoker struct {
	mu      sync.Mutex
	revoked []string
}

func (r *recordingRevoker) MarkKeyRevoked(_ context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, keyID)
	return nil
}

func newAPIKeyRouter() (http.Handler, *memoryKeys, *recordingRevoker) {
	keys := &memoryKeys{keys: map[string]*model.APIKey{}}
	revoker := &recordingRevoker{}
	h := NewAPIKeyHandler(slog.New(slog.NewTextHandler(&strings.Builder{}, nil)), keys, revoker, auth.EnvTest).
		WithParams(auth.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})

	r := chi.NewRouter()
	r.Use(asTestCaller)
	r.Route("/api/v1/api-keys", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Delete("/{key_id}", h.Revoke)
		r.Post("/{key_id}/rotate", h.Rotate)
	})
	return r, keys, revoker
}

func callAs(router http.Handler, method, path string, caller model.Address, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(testCallerHeader, caller.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyHandler_CreateListRevoke(t *testing.T) {
	router, keys, revoker := newAPIKeyRouter()
	alice, bob := testutil.Addr(1), testutil.Addr(2)

	rec := callAs(router, http.MethodPost, "/api/v1/api-keys", alice, `{"name":"laptop"}`)
	expectStatus(t, rec, http.StatusCreated)
	created := decode[dto.APIKeyCreateResponse](t, rec)
	if !strings.HasPrefix(created.Key, "rk_test_"+created.KeyPrefix+"_") {
		t.Errorf("unexpected key format %q", created.Key)
	}
	if created.Address != alice || created.RateLimitTier != model.TierStandard {
		t.Errorf("unexpected key %+v", created)
	}

	stored, _ := keys.GetAPIKeyByID(context.Background(), created.ID)
	if ok, err := auth.Verify(created.Key, stored.KeyHash); err != nil || !ok {
		t.Errorf("stored hash does not verify the issued key: %v", err)
	}

	rec = callAs(router, http.MethodGet, "/api/v1/api-keys", alice, "")
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), stored.KeyHash) || strings.Contains(rec.Body.String(), created.Key) {
		t.Error("list response leaked key material")
	}

	rec = callAs(router, http.MethodGet, "/api/v1/api-keys", bob, "")
	expectStatus(t, rec, http.StatusOK)
	if list := decode[dto.APIKeyListResponse](t, rec); len(list.Data) != 0 {
		t.Errorf("bob sees %d of alice's keys", len(list.Data))
	}

	expectError(t, callAs(router, http.MethodDelete, "/api/v1/api-keys/"+created.ID, bob, ""), http.StatusNotFound, "key_not_found")

	rec = callAs(router, http.MethodDelete, "/api/v1/api-keys/"+created.ID, alice, "")
	expectStatus(t, rec, http.StatusNoContent)
	if len(revoker.revoked) != 1 || revoker.revoked[0] != created.ID {
		t.Errorf("cached callers not invalidated: %v", revoker.revoked)
	}

	expectError(t, callAs(router, http.MethodDelete, "/api/v1/api-keys/"+created.ID, alice, ""), http.StatusNotFound, "key_not_found")
}

func TestAPIKeyHandler_Rotate(t *testing.T) {
	router, keys, _ := newAPIKeyRouter()
	alice := testutil.Addr(1)

	first := decode[dto.APIKeyCreateResponse](t, callAs(router, http.MethodPost, "/api/v1/api-keys", alice, `{"name":"ci"}`))

	rec := callAs(router, http.MethodPost, "/api/v1/api-keys/"+first.ID+"/rotate", alice, "")
	expectStatus(t, rec, http.StatusCreated)
	rotated := decode[dto.APIKeyCreateResponse](t, rec)
	if rotated.ID == first.ID || rotated.Key == first.Key || rotated.Name != "ci" {
		t.Errorf("unexpected rotated key %+v", rotated)
	}

	old, _ := keys.GetAPIKeyByID(context.Background(), first.ID)
	if !old.IsRevoked() {
		t.Error("expected old key to be revoked")
	}
}

func TestAPIKeyHandler_Validation(t *testing.T) {
	router, _, _ := newAPIKeyRouter()

	expectError(t, callAs(router, http.MethodPost, "/api/v1/api-keys", testutil.Addr(1),
		fmt.Sprintf(`{"name":%q}`, strings.Repeat("n", 101))), http.StatusBadRequest, "invalid_name")
	expectError(t, callAs(router, http.MethodPost, "/api/v1/api-keys", testutil.Addr(1), `{"name":`),
		http.StatusBadRequest, CodeInvalidJSON)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/api-keys", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusUnauthorized, CodeUnauthorized)
}
