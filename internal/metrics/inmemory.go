package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Commands                 map[string]uint64 // "op|outcome" -> count
	CommandDurationCount     uint64
	CommandDurationTotalNs   int64
	RecoveriesFinalized      uint64
	CreditDraws              uint64
	CreditDrawnTotal         int64
	SocialLoansDisbursed     uint64
	SocialLoanDisbursedTotal int64
	SweepRuns                uint64
	SweepDueTotal            uint64
	SweepDurationTotalNs     int64
	EventsPublished          uint64
	EventsDropped            uint64
	NotificationsDelivered   uint64
	NotificationsRetried     uint64
	NotificationsDead        uint64
}

// InMemoryRecorder stores metrics in memory. It backs /metrics and tests.
type InMemoryRecorder struct {
	mu       sync.Mutex
	commands map[string]uint64

	commandDurationCount     uint64
	commandDurationTotalNs   int64
	recoveriesFinalized      uint64
	creditDraws              uint64
	creditDrawnTotal         int64
	socialLoansDisbursed     uint64
	socialLoanDisbursedTotal int64
	sweepRuns                uint64
	sweepDueTotal            uint64
	sweepDurationTotalNs     int64
	eventsPublished          uint64
	eventsDropped            uint64
	notificationsDelivered   uint64
	notificationsRetried     uint64
	notificationsDead        uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{commands: make(map[string]uint64)}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	commands := make(map[string]uint64, len(m.commands))
	for k, v := range m.commands {
		commands[k] = v
	}
	m.mu.Unlock()

	return Snapshot{
		Commands:                 commands,
		CommandDurationCount:     atomic.LoadUint64(&m.commandDurationCount),
		CommandDurationTotalNs:   atomic.LoadInt64(&m.commandDurationTotalNs),
		RecoveriesFinalized:      atomic.LoadUint64(&m.recoveriesFinalized),
		CreditDraws:              atomic.LoadUint64(&m.creditDraws),
		CreditDrawnTotal:         atomic.LoadInt64(&m.creditDrawnTotal),
		SocialLoansDisbursed:     atomic.LoadUint64(&m.socialLoansDisbursed),
		SocialLoanDisbursedTotal: atomic.LoadInt64(&m.socialLoanDisbursedTotal),
		SweepRuns:                atomic.LoadUint64(&m.sweepRuns),
		SweepDueTotal:            atomic.LoadUint64(&m.sweepDueTotal),
		SweepDurationTotalNs:     atomic.LoadInt64(&m.sweepDurationTotalNs),
		EventsPublished:          atomic.LoadUint64(&m.eventsPublished),
		EventsDropped:            atomic.LoadUint64(&m.eventsDropped),
		NotificationsDelivered:   atomic.LoadUint64(&m.notificationsDelivered),
		NotificationsRetried:     atomic.LoadUint64(&m.notificationsRetried),
		NotificationsDead:        atomic.LoadUint64(&m.notificationsDead),
	}
}

// IncCommand counts an account command by operation and outcome.
func (m *InMemoryRecorder) IncCommand(op, outcome string) {
	m.mu.Lock()
	m.commands[op+"|"+outcome]++
	m.mu.Unlock()
}

// ObserveCommandDuration records command latency.
func (m *InMemoryRecorder) ObserveCommandDuration(op string, duration time.Duration) {
	atomic.AddUint64(&m.commandDurationCount, 1)
	atomic.AddInt64(&m.commandDurationTotalNs, duration.Nanoseconds())
}

// IncRecoveryFinalized counts ownership transfers.
func (m *InMemoryRecorder) IncRecoveryFinalized() {
	atomic.AddUint64(&m.recoveriesFinalized, 1)
}

// IncCreditDrawn counts an emergency draw and its amount.
func (m *InMemoryRecorder) IncCreditDrawn(amount int64) {
	atomic.AddUint64(&m.creditDraws, 1)
	atomic.AddInt64(&m.creditDrawnTotal, amount)
}

// IncSocialLoanDisbursed counts a social loan payout and its amount.
func (m *InMemoryRecorder) IncSocialLoanDisbursed(amount int64) {
	atomic.AddUint64(&m.socialLoansDisbursed, 1)
	atomic.AddInt64(&m.socialLoanDisbursedTotal, amount)
}

// ObserveSweep records one sweeper pass.
func (m *InMemoryRecorder) ObserveSweep(due int, duration time.Duration) {
	atomic.AddUint64(&m.sweepRuns, 1)
	atomic.AddUint64(&m.sweepDueTotal, uint64(due))
	atomic.AddInt64(&m.sweepDurationTotalNs, duration.Nanoseconds())
}

// IncEventPublished counts events appended to the notification stream.
func (m *InMemoryRecorder) IncEventPublished(status string) {
	if status == "dropped" {
		atomic.AddUint64(&m.eventsDropped, 1)
		return
	}
	atomic.AddUint64(&m.eventsPublished, 1)
}

// IncNotificationDelivery counts notification delivery attempts by result.
func (m *InMemoryRecorder) IncNotificationDelivery(status string) {
	switch status {
	case "delivered":
		atomic.AddUint64(&m.notificationsDelivered, 1)
	case "retry":
		atomic.AddUint64(&m.notificationsRetried, 1)
	case "dead":
		atomic.AddUint64(&m.notificationsDead, 1)
	}
}
