package model

import "time"

// GuardianStatus represents guardian membership status.
type GuardianStatus string

const (
	GuardianActive  GuardianStatus = "active"
	GuardianPending GuardianStatus = "pending"
)

// IsValid checks if the status is known.
func (s GuardianStatus) IsValid() bool {
	return s == GuardianActive || s == GuardianPending
}

// Guardian is a trusted identity that can approve recovery of an account.
type Guardian struct {
	Address Address        `json:"address"`
	Label   string         `json:"label,omitempty"`
	Status  GuardianStatus `json:"status"`
	AddedAt time.Time      `json:"added_at"`
}

// IsActive returns true if the guardian counts toward quorum.
func (g Guardian) IsActive() bool {
	return g.Status == GuardianActive
}
