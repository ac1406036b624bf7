package recovery

import (
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

// State is the recovery phase of an account. Each variant carries only the
// data that is valid in that phase, so a request cannot exist without a
// recovery in progress and a credit line cannot exist outside a timelock.
type State interface {
	Phase() model.Phase
	isState()
}

// Secure is the resting phase: no recovery in progress.
type Secure struct{}

// PendingApproval collects guardian approvals for Request.
type PendingApproval struct {
	Request *model.RecoveryRequest
}

// Timelocked holds a quorum-approved request until the timelock elapses.
// Credit is the emergency line opened on entry.
type Timelocked struct {
	Request  *model.RecoveryRequest
	Timelock *TimelockScheduler
	Credit   *CreditLine
}

// Recovered follows a finalized recovery. It accepts the same commands as
// Secure.
type Recovered struct {
	PreviousOwner model.Address
	RecoveredAt   time.Time
}

func (Secure) Phase() model.Phase          { return model.PhaseSecure }
func (PendingApproval) Phase() model.Phase { return model.PhasePendingApproval }
func (Timelocked) Phase() model.Phase      { return model.PhaseTimelocked }
func (Recovered) Phase() model.Phase       { return model.PhaseRecovered }

func (Secure) isState()          {}
func (PendingApproval) isState() {}
func (Timelocked) isState()      {}
func (Recovered) isState()       {}

// isResting reports whether s accepts guardian changes and new recoveries.
func isResting(s State) bool {
	switch s.(type) {
	case Secure, Recovered:
		return true
	}
	return false
}

// liveRequest returns the request of a recovery in progress, nil otherwise.
func liveRequest(s State) *model.RecoveryRequest {
	switch st := s.(type) {
	case PendingApproval:
		return st.Request
	case Timelocked:
		return st.Request
	}
	return nil
}
