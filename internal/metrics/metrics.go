// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Command outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeValidation  = "validation"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Account command metrics
	IncCommand(op, outcome string)
	ObserveCommandDuration(op string, duration time.Duration)

	// Recovery lifecycle
	IncRecoveryFinalized()
	IncCreditDrawn(amount int64)
	IncSocialLoanDisbursed(amount int64)

	// Timelock sweeper
	ObserveSweep(due int, duration time.Duration)

	// Notification pipeline
	IncEventPublished(status string)       // status: "success" or "dropped"
	IncNotificationDelivery(status string) // status: "delivered", "retry", "dead"
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
