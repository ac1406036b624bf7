package recovery

import (
	"context"
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

// Receipt confirms that a ledger submission was included.
type Receipt struct {
	TxHash      string
	ConfirmedAt time.Time
}

// VaultGateway submits guardian and ownership changes to the on-ledger vault.
// Every method blocks until the submission is confirmed or fails with an
// error wrapping ErrRejected or ErrUnavailable.
type VaultGateway interface {
	SubmitGuardianAdd(ctx context.Context, accountID string, guardian model.Address) (Receipt, error)
	SubmitGuardianRemove(ctx context.Context, accountID string, guardian model.Address) (Receipt, error)
	SubmitInitiateRecovery(ctx context.Context, accountID, requestID string, newOwner model.Address) (Receipt, error)
	SubmitApproveRecovery(ctx context.Context, accountID, requestID string, guardian model.Address) (Receipt, error)
	SubmitCancelRecovery(ctx context.Context, accountID, requestID string) (Receipt, error)
	SubmitFinalizeRecovery(ctx context.Context, accountID, requestID string, newOwner model.Address) (Receipt, error)
}

// LoanGateway disburses from the pooled liquidity contract.
// Disburse is keyed by disbursementID so a retried call with the same id
// is applied at most once by the pool.
type LoanGateway interface {
	Disburse(ctx context.Context, accountID, disbursementID string, amount int64) (Receipt, error)
	PoolBalance(ctx context.Context) (int64, error)
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}
