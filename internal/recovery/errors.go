// Package recovery implements guardian-based account recovery and the
// emergency credit line granted while a recovery is timelocked.
//
// The package is pure domain: it holds no locks and performs no I/O other
// than the VaultGateway and LoanGateway calls it is handed. Callers must
// serialize commands per account.
package recovery

import "errors"

// Validation errors. They are reported without mutating state and are
// never worth retrying.
var (
	ErrInvalidState      = errors.New("operation not allowed in current recovery state")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidNewOwner   = errors.New("invalid new owner")
	ErrInvalidIdentifier = errors.New("invalid guardian identifier")
	ErrNotAGuardian      = errors.New("caller is not an active guardian")
	ErrAlreadyApproved   = errors.New("guardian already approved")
	ErrDuplicateGuardian = errors.New("guardian already registered")
	ErrNotFound          = errors.New("guardian not found")
	ErrQuorumUnreachable = errors.New("quorum would be unreachable")
	ErrCreditExhausted   = errors.New("emergency credit exhausted")
	ErrNotAuthorized     = errors.New("caller not authorized for this operation")
	ErrDrawCompleted     = errors.New("draw already disbursed")
	ErrLoanPending       = errors.New("a social loan is already pending")
	ErrNoPendingLoan     = errors.New("no pending social loan")
)

// Collaborator errors, returned by gateways.
var (
	// ErrRejected means the ledger refused the submission. Terminal for
	// the attempt.
	ErrRejected = errors.New("rejected by ledger")
	// ErrUnavailable means the ledger could not be reached. The caller
	// may retry with the same intent.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrPoolInsufficient means the loan pool cannot cover the amount.
	ErrPoolInsufficient = errors.New("loan pool balance insufficient")
)

var validationErrors = []error{
	ErrInvalidState,
	ErrInvalidAmount,
	ErrInvalidNewOwner,
	ErrInvalidIdentifier,
	ErrNotAGuardian,
	ErrAlreadyApproved,
	ErrDuplicateGuardian,
	ErrNotFound,
	ErrQuorumUnreachable,
	ErrCreditExhausted,
	ErrNotAuthorized,
	ErrDrawCompleted,
	ErrLoanPending,
	ErrNoPendingLoan,
}

// IsValidation reports whether err is a caller mistake.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the caller may retry the same command.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
