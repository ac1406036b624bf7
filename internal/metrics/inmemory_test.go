package metrics

import (
	"testing"
	"time"
)

func TestInMemoryRecorder_Snapshot(t *testing.T) {
	m := NewInMemory()

	m.IncCommand("draw", OutcomeOK)
	m.IncCommand("draw", OutcomeOK)
	m.IncCommand("draw", OutcomeValidation)
	m.ObserveCommandDuration("draw", 2*time.Millisecond)
	m.IncCreditDrawn(50)
	m.IncCreditDrawn(25)
	m.IncRecoveryFinalized()
	m.ObserveSweep(3, time.Millisecond)
	m.IncEventPublished("success")
	m.IncEventPublished("dropped")
	m.IncNotificationDelivery("retry")
	m.IncNotificationDelivery("dead")

	snap := m.Snapshot()
	if snap.Commands["draw|ok"] != 2 || snap.Commands["draw|validation"] != 1 {
		t.Errorf("unexpected command counters %v", snap.Commands)
	}
	if snap.CreditDraws != 2 || snap.CreditDrawnTotal != 75 {
		t.Errorf("credit counters = %d/%d, want 2/75", snap.CreditDraws, snap.CreditDrawnTotal)
	}
	if snap.RecoveriesFinalized != 1 || snap.SweepDueTotal != 3 {
		t.Errorf("unexpected lifecycle counters %+v", snap)
	}
	if snap.EventsPublished != 1 || snap.EventsDropped != 1 {
		t.Errorf("unexpected publish counters %+v", snap)
	}
	if snap.NotificationsRetried != 1 || snap.NotificationsDead != 1 || snap.NotificationsDelivered != 0 {
		t.Errorf("unexpected delivery counters %+v", snap)
	}

	// Snapshot must not alias the live map.
	snap.Commands["draw|ok"] = 100
	if m.Snapshot().Commands["draw|ok"] != 2 {
		t.Error("snapshot aliases recorder state")
	}
}
