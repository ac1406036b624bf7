// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import (
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/service"
)

// AddGuardianRequest is the body of POST /accounts/{id}/guardians.
type AddGuardianRequest struct {
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

// InitiateRecoveryRequest is the body of POST /accounts/{id}/recovery.
type InitiateRecoveryRequest struct {
	NewOwner string `json:"new_owner"`
}

// AmountRequest is the body of draw and social loan requests. Amounts are
// in base units of the settlement token.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

// AccountResponse represents an account in API responses.
type AccountResponse struct {
	ID            string                 `json:"id"`
	Owner         model.Address          `json:"owner"`
	Phase         model.Phase            `json:"phase"`
	Guardians     []model.Guardian       `json:"guardians"`
	Recovery      *model.RecoveryRequest `json:"recovery,omitempty"`
	Timelock      *TimelockResponse      `json:"timelock,omitempty"`
	Credit        *CreditResponse        `json:"credit,omitempty"`
	SocialLoan    *model.SocialLoan      `json:"social_loan,omitempty"`
	Outstanding   int64                  `json:"outstanding"`
	PreviousOwner model.Address          `json:"previous_owner,omitempty"`
	RecoveredAt   *time.Time             `json:"recovered_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// TimelockResponse describes a running timelock.
type TimelockResponse struct {
	StartedAt        time.Time `json:"started_at"`
	Deadline         time.Time `json:"deadline"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// CreditResponse describes the emergency credit line of a timelock.
type CreditResponse struct {
	Total     int64        `json:"total"`
	Drawn     int64        `json:"drawn"`
	Remaining int64        `json:"remaining"`
	Draws     []model.Draw `json:"draws"`
}

// ApprovalResponse reports a recorded recovery approval.
type ApprovalResponse struct {
	RequestID string      `json:"request_id"`
	Approvals int         `json:"approvals"`
	Required  int         `json:"required"`
	Phase     model.Phase `json:"phase"`
}

// CancelResponse reports a cancel command. Votes and Required are set
// while guardians are still voting.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
	Votes     int  `json:"votes,omitempty"`
	Required  int  `json:"required,omitempty"`
}

// PollResponse reports a timelock poll.
type PollResponse struct {
	Finalized bool `json:"finalized"`
}

// DrawResponse reports a credit draw.
type DrawResponse struct {
	DrawID    string    `json:"draw_id"`
	Amount    int64     `json:"amount"`
	TxHash    string    `json:"tx_hash"`
	DrawnAt   time.Time `json:"drawn_at"`
	Remaining int64     `json:"remaining"`
	Exhausted bool      `json:"exhausted"`
	// Replayed is set when the Idempotency-Key named a completed draw.
	Replayed       bool   `json:"replayed,omitempty"`
	SocialLoanPath string `json:"social_loan_path,omitempty"`
}

// ToAccountResponse converts an account view to its API form.
func ToAccountResponse(view *service.AccountView) AccountResponse {
	rec := view.Record
	resp := AccountResponse{
		ID:            rec.ID,
		Owner:         rec.Owner,
		Phase:         rec.Phase,
		Guardians:     rec.Guardians,
		Recovery:      rec.Request,
		SocialLoan:    rec.SocialLoan,
		Outstanding:   rec.Outstanding,
		PreviousOwner: rec.PreviousOwner,
		RecoveredAt:   rec.RecoveredAt,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if resp.Guardians == nil {
		resp.Guardians = []model.Guardian{}
	}
	if rec.Timelock != nil {
		resp.Timelock = &TimelockResponse{
			StartedAt:        rec.Timelock.StartedAt,
			Deadline:         rec.Timelock.Deadline(),
			RemainingSeconds: int64(view.TimelockRemaining.Seconds()),
		}
	}
	if rec.Credit != nil {
		resp.Credit = &CreditResponse{
			Total:     rec.Credit.Total,
			Drawn:     rec.Credit.Drawn,
			Remaining: view.CreditRemaining,
			Draws:     rec.Credit.Draws,
		}
		if resp.Credit.Draws == nil {
			resp.Credit.Draws = []model.Draw{}
		}
	}
	return resp
}

// ToApprovalResponse converts an approval result.
func ToApprovalResponse(res recovery.ApprovalResult) ApprovalResponse {
	return ApprovalResponse{
		RequestID: res.RequestID,
		Approvals: res.Approvals,
		Required:  res.Required,
		Phase:     res.Phase,
	}
}

// ToDrawResponse converts a draw result.
func ToDrawResponse(res recovery.DrawResult) DrawResponse {
	return DrawResponse{
		DrawID:    res.Draw.ID,
		Amount:    res.Draw.Amount,
		TxHash:    res.Draw.TxHash,
		DrawnAt:   res.Draw.DrawnAt,
		Remaining: res.Remaining,
		Exhausted: res.Exhausted,
	}
}
