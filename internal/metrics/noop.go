package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncCommand is a no-op.
func (n *NoopRecorder) IncCommand(op, outcome string) {}

// ObserveCommandDuration is a no-op.
func (n *NoopRecorder) ObserveCommandDuration(op string, duration time.Duration) {}

// IncRecoveryFinalized is a no-op.
func (n *NoopRecorder) IncRecoveryFinalized() {}

// IncCreditDrawn is a no-op.
func (n *NoopRecorder) IncCreditDrawn(amount int64) {}

// IncSocialLoanDisbursed is a no-op.
func (n *NoopRecorder) IncSocialLoanDisbursed(amount int64) {}

// ObserveSweep is a no-op.
func (n *NoopRecorder) ObserveSweep(due int, duration time.Duration) {}

// IncEventPublished is a no-op.
func (n *NoopRecorder) IncEventPublished(status string) {}

// IncNotificationDelivery is a no-op.
func (n *NoopRecorder) IncNotificationDelivery(status string) {}
