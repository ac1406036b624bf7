package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guardianvault/recoveryd/internal/metrics"
)

func TestMetricsHandler(t *testing.T) {
	rec := metrics.NewInMemory()
	rec.IncCommand("draw", metrics.OutcomeOK)
	rec.IncCommand("draw", metrics.OutcomeOK)
	rec.IncCommand("approve_recovery", metrics.OutcomeValidation)
	rec.ObserveCommandDuration("draw", 1500*time.Millisecond)
	rec.IncCreditDrawn(150)
	rec.IncEventPublished("dropped")

	h := NewMetricsHandler(rec)
	w := httptest.NewRecorder()
	h.Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`recoveryd_commands_total{op="approve_recovery",outcome="validation"} 1`,
		`recoveryd_commands_total{op="draw",outcome="ok"} 2`,
		`recoveryd_command_duration_seconds_sum 1.500000`,
		`recoveryd_credit_drawn_base_units_total 150`,
		`recoveryd_events_published_total{status="dropped"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
	if strings.Index(body, `op="approve_recovery"`) > strings.Index(body, `op="draw"`) {
		t.Error("command series not sorted")
	}
}

func TestMetricsHandler_NoSnapshotter(t *testing.T) {
	w := httptest.NewRecorder()
	NewMetricsHandler(nil).Metrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}
