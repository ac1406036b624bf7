package model

import "time"

// Phase is the persisted recovery phase of an account.
type Phase string

const (
	PhaseSecure          Phase = "secure"
	PhasePendingApproval Phase = "pending_approval"
	PhaseTimelocked      Phase = "timelocked"
	PhaseRecovered       Phase = "recovered"
)

// IsValid checks if the phase is known.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseSecure, PhasePendingApproval, PhaseTimelocked, PhaseRecovered:
		return true
	}
	return false
}

// AccountRecord is the durable per-account record.
// It is the only shape persisted; the recovery package rebuilds its
// state machine from it on every command.
type AccountRecord struct {
	ID        string     `json:"id"`
	Owner     Address    `json:"owner"`
	Phase     Phase      `json:"phase"`
	Guardians []Guardian `json:"guardians"`

	// Live while Phase is pending_approval or timelocked.
	Request *RecoveryRequest `json:"request,omitempty"`

	// Live while Phase is timelocked.
	Credit   *CreditLine     `json:"credit,omitempty"`
	Timelock *TimelockWindow `json:"timelock,omitempty"`

	// Set once the account has gone through a completed recovery.
	PreviousOwner Address    `json:"previous_owner,omitempty"`
	RecoveredAt   *time.Time `json:"recovered_at,omitempty"`

	// Outstanding is the total disbursed to this account and still owed.
	// It survives cancellation and recovery.
	Outstanding int64 `json:"outstanding"`

	SocialLoan *SocialLoan `json:"social_loan,omitempty"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecoveryRequest is the live request to move ownership to NewOwner.
type RecoveryRequest struct {
	ID             string    `json:"id"`
	NewOwner       Address   `json:"new_owner"`
	Initiator      Address   `json:"initiator"`
	InitiatedAt    time.Time `json:"initiated_at"`
	RequiredQuorum int       `json:"required_quorum"`
	Approvals      []Address `json:"approvals"`
	CancelVotes    []Address `json:"cancel_votes,omitempty"`
}

// CreditLine is the emergency credit granted for one timelock episode.
type CreditLine struct {
	Total int64  `json:"total"`
	Drawn int64  `json:"drawn"`
	Draws []Draw `json:"draws,omitempty"`
}

// Remaining returns the undrawn part of the line.
func (c *CreditLine) Remaining() int64 {
	return c.Total - c.Drawn
}

// Draw is a confirmed disbursement against a credit line.
type Draw struct {
	ID      string    `json:"id"`
	Amount  int64     `json:"amount"`
	TxHash  string    `json:"tx_hash"`
	DrawnAt time.Time `json:"drawn_at"`
}

// TimelockWindow is the persisted part of a running timelock.
// Remaining time is always recomputed from StartedAt.
type TimelockWindow struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Deadline returns the instant the window reaches zero.
func (w *TimelockWindow) Deadline() time.Time {
	return w.StartedAt.Add(w.Duration)
}

// SocialLoanStatus represents the state of a guardian-cosigned loan.
type SocialLoanStatus string

const (
	SocialLoanPending   SocialLoanStatus = "pending"
	SocialLoanDisbursed SocialLoanStatus = "disbursed"
)

// SocialLoan is a loan request gated by guardian quorum instead of a ceiling.
type SocialLoan struct {
	ID             string           `json:"id"`
	Amount         int64            `json:"amount"`
	Requester      Address          `json:"requester"`
	RequestedAt    time.Time        `json:"requested_at"`
	RequiredQuorum int              `json:"required_quorum"`
	Approvals      []Address        `json:"approvals"`
	Status         SocialLoanStatus `json:"status"`
	TxHash         string           `json:"tx_hash,omitempty"`
	DisbursedAt    *time.Time       `json:"disbursed_at,omitempty"`
}

// IsPending returns true while the loan still collects approvals.
func (l *SocialLoan) IsPending() bool {
	return l != nil && l.Status == SocialLoanPending
}
