package model

import (
	"slices"
	"time"
)

// EventType represents a recovery lifecycle event delivered to guardians.
type EventType string

const (
	EventGuardianAdded       EventType = "guardian.added"
	EventGuardianRemoved     EventType = "guardian.removed"
	EventRecoveryInitiated   EventType = "recovery.initiated"
	EventRecoveryApproved    EventType = "recovery.approved"
	EventRecoveryTimelocked  EventType = "recovery.timelocked"
	EventRecoveryFinalized   EventType = "recovery.finalized"
	EventRecoveryCancelled   EventType = "recovery.cancelled"
	EventRecoveryCancelVoted EventType = "recovery.cancel_voted"
	EventCreditDrawn         EventType = "credit.drawn"
	EventCreditExhausted     EventType = "credit.exhausted"
	EventSocialLoanRequested EventType = "social_loan.requested"
	EventSocialLoanApproved  EventType = "social_loan.approved"
	EventSocialLoanDisbursed EventType = "social_loan.disbursed"
)

// ValidEventTypes contains all valid event types.
var ValidEventTypes = []EventType{
	EventGuardianAdded,
	EventGuardianRemoved,
	EventRecoveryInitiated,
	EventRecoveryApproved,
	EventRecoveryTimelocked,
	EventRecoveryFinalized,
	EventRecoveryCancelled,
	EventRecoveryCancelVoted,
	EventCreditDrawn,
	EventCreditExhausted,
	EventSocialLoanRequested,
	EventSocialLoanApproved,
	EventSocialLoanDisbursed,
}

// IsValidEventType checks if an event type is valid.
func IsValidEventType(et EventType) bool {
	return slices.Contains(ValidEventTypes, et)
}

// Event is a notification emitted by a committed account transition.
// Recipients lists the guardians (and owner) it is intended for.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	AccountID  string         `json:"account_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Recipients []Address      `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
