package recovery

import (
	"context"
	"fmt"

	"github.com/guardianvault/recoveryd/internal/model"
)

// RequestSocialLoan opens a guardian-cosigned loan, the path for liquidity
// beyond the emergency ceiling. The owner may request one at any time; the
// proposed new owner only while its recovery is live. One loan may be
// pending at a time.
func (m *Machine) RequestSocialLoan(ctx context.Context, caller model.Address, amount int64) (model.SocialLoan, error) {
	if amount <= 0 {
		return model.SocialLoan{}, ErrInvalidAmount
	}
	if !m.mayRequestLoan(caller) {
		return model.SocialLoan{}, ErrNotAuthorized
	}
	if m.socialLoan.IsPending() {
		return model.SocialLoan{}, ErrLoanPending
	}
	if !m.registry.QuorumReachable() {
		return model.SocialLoan{}, ErrQuorumUnreachable
	}

	loan := &model.SocialLoan{
		ID:             m.cfg.NewID(),
		Amount:         amount,
		Requester:      caller,
		RequestedAt:    m.cfg.Clock.Now(),
		RequiredQuorum: m.registry.QuorumThreshold(),
		Approvals:      []model.Address{},
		Status:         model.SocialLoanPending,
	}
	m.socialLoan = loan
	m.emit(model.EventSocialLoanRequested, map[string]any{
		"loan_id":         loan.ID,
		"amount":          loan.Amount,
		"requester":       loan.Requester,
		"required_quorum": loan.RequiredQuorum,
	})
	return *loan, nil
}

func (m *Machine) mayRequestLoan(caller model.Address) bool {
	if caller.Equal(m.owner) {
		return true
	}
	req := liveRequest(m.state)
	return req != nil && caller.Equal(req.NewOwner)
}

// SocialLoan returns the latest social loan, nil if none was requested.
func (m *Machine) SocialLoan() *model.SocialLoan {
	if m.socialLoan == nil {
		return nil
	}
	loan := *m.socialLoan
	return &loan
}

// ApproveSocialLoan records guardian's approval of the pending loan. The
// approval that reaches quorum disburses the loan; if the pool cannot or
// does not pay out, that approval is not kept and the loan stays pending.
func (m *Machine) ApproveSocialLoan(ctx context.Context, guardian model.Address) (model.SocialLoan, error) {
	loan := m.socialLoan
	if !loan.IsPending() {
		return model.SocialLoan{}, ErrNoPendingLoan
	}
	if !m.registry.IsActive(guardian) {
		return model.SocialLoan{}, ErrNotAGuardian
	}
	if containsAddress(loan.Approvals, guardian) {
		return model.SocialLoan{}, ErrAlreadyApproved
	}

	if len(loan.Approvals)+1 < loan.RequiredQuorum {
		loan.Approvals = append(loan.Approvals, guardian)
		m.emitLoanApproved(loan, guardian)
		return *loan, nil
	}

	balance, err := m.credit.loans.PoolBalance(ctx)
	if err != nil {
		return model.SocialLoan{}, fmt.Errorf("query pool balance: %w", err)
	}
	if balance < loan.Amount {
		return model.SocialLoan{}, ErrPoolInsufficient
	}
	receipt, err := m.credit.loans.Disburse(ctx, m.accountID, loan.ID, loan.Amount)
	if err != nil {
		return model.SocialLoan{}, fmt.Errorf("disburse social loan %s: %w", loan.ID, err)
	}

	now := m.cfg.Clock.Now()
	loan.Approvals = append(loan.Approvals, guardian)
	loan.Status = model.SocialLoanDisbursed
	loan.TxHash = receipt.TxHash
	loan.DisbursedAt = &now
	m.outstanding += loan.Amount

	m.emitLoanApproved(loan, guardian)
	m.emit(model.EventSocialLoanDisbursed, map[string]any{
		"loan_id":   loan.ID,
		"amount":    loan.Amount,
		"requester": loan.Requester,
		"tx_hash":   loan.TxHash,
	})
	return *loan, nil
}

func (m *Machine) emitLoanApproved(loan *model.SocialLoan, guardian model.Address) {
	m.emit(model.EventSocialLoanApproved, map[string]any{
		"loan_id":   loan.ID,
		"guardian":  guardian,
		"approvals": len(loan.Approvals),
		"required":  loan.RequiredQuorum,
	})
}
