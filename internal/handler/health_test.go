package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func up() HealthChecker { return pingFunc(func(context.Context) error { return nil }) }

func down(msg string) HealthChecker {
	return pingFunc(func(context.Context) error { return errors.New(msg) })
}

func TestHealthHandler_Healthz(t *testing.T) {
	// Liveness never touches dependencies.
	h := NewHealthHandler(down("db"), down("redis"), nil)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Checks != nil {
		t.Errorf("unexpected liveness body %+v", resp)
	}
}

func TestHealthHandler_Readyz(t *testing.T) {
	tests := []struct {
		name       string
		db, redis  HealthChecker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name: "all healthy", db: up(), redis: up(),
			wantStatus: http.StatusOK, wantBody: "ok",
			wantChecks: map[string]string{"postgres": "ok", "redis": "ok"},
		},
		{
			name: "postgres down", db: down("dial tcp 10.0.0.5:5432: connection refused"), redis: up(),
			wantStatus: http.StatusServiceUnavailable, wantBody: "unhealthy",
			wantChecks: map[string]string{"postgres": "unavailable", "redis": "ok"},
		},
		{
			name: "redis down", db: up(), redis: down("i/o timeout"),
			wantStatus: http.StatusServiceUnavailable, wantBody: "unhealthy",
			wantChecks: map[string]string{"postgres": "ok", "redis": "unavailable"},
		},
		{
			name: "not configured", db: up(), redis: nil,
			wantStatus: http.StatusOK, wantBody: "ok",
			wantChecks: map[string]string{"postgres": "ok", "redis": "not configured"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			h := NewHealthHandler(tt.db, tt.redis, slog.New(slog.NewJSONHandler(&logs, nil)))

			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			body := rec.Body.String()
			var resp HealthResponse
			if err := json.Unmarshal([]byte(body), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != tt.wantBody {
				t.Errorf("expected status %q, got %q", tt.wantBody, resp.Status)
			}
			for dep, want := range tt.wantChecks {
				if resp.Checks[dep] != want {
					t.Errorf("check %s: expected %q, got %q", dep, want, resp.Checks[dep])
				}
			}

			// Dependency errors go to the log, never to the probe body.
			if strings.Contains(body, "refused") || strings.Contains(body, "timeout") {
				t.Errorf("response leaks dependency error: %s", body)
			}
			if tt.wantStatus == http.StatusServiceUnavailable && !strings.Contains(logs.String(), "readiness_check_failed") {
				t.Errorf("expected readiness failure to be logged, got %s", logs.String())
			}
		})
	}
}

func TestHealthHandler_ReadyzHonoursRequestContext(t *testing.T) {
	var sawDeadline bool
	db := pingFunc(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return ctx.Err()
	})
	h := NewHealthHandler(db, up(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	if !sawDeadline {
		t.Error("expected readiness checks to run under a deadline")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 for a cancelled probe, got %d", rec.Code)
	}
}
