package handler

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/guardianvault/recoveryd/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	keys := make([]string, 0, len(snap.Commands))
	for k := range snap.Commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		op, outcome, _ := strings.Cut(k, "|")
		writeMetric(w, "recoveryd_commands_total{op=%q,outcome=%q} %d\n", op, outcome, snap.Commands[k])
	}
	writeMetric(w, "recoveryd_command_duration_seconds_count %d\n", snap.CommandDurationCount)
	writeMetric(w, "recoveryd_command_duration_seconds_sum %.6f\n", float64(snap.CommandDurationTotalNs)/1e9)

	writeMetric(w, "recoveryd_recoveries_finalized_total %d\n", snap.RecoveriesFinalized)
	writeMetric(w, "recoveryd_credit_draws_total %d\n", snap.CreditDraws)
	writeMetric(w, "recoveryd_credit_drawn_base_units_total %d\n", snap.CreditDrawnTotal)
	writeMetric(w, "recoveryd_social_loans_disbursed_total %d\n", snap.SocialLoansDisbursed)
	writeMetric(w, "recoveryd_social_loan_disbursed_base_units_total %d\n", snap.SocialLoanDisbursedTotal)

	writeMetric(w, "recoveryd_timelock_sweeps_total %d\n", snap.SweepRuns)
	writeMetric(w, "recoveryd_timelock_sweep_due_total %d\n", snap.SweepDueTotal)
	writeMetric(w, "recoveryd_timelock_sweep_duration_seconds_sum %.6f\n", float64(snap.SweepDurationTotalNs)/1e9)

	writeMetric(w, "recoveryd_events_published_total{status=\"success\"} %d\n", snap.EventsPublished)
	writeMetric(w, "recoveryd_events_published_total{status=\"dropped\"} %d\n", snap.EventsDropped)

	writeMetric(w, "recoveryd_notifications_total{status=\"delivered\"} %d\n", snap.NotificationsDelivered)
	writeMetric(w, "recoveryd_notifications_total{status=\"retry\"} %d\n", snap.NotificationsRetried)
	writeMetric(w, "recoveryd_notifications_total{status=\"dead\"} %d\n", snap.NotificationsDead)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
