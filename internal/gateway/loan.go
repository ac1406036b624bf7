package gateway

import (
	"context"
	"net/http"

	"github.com/guardianvault/recoveryd/internal/recovery"
)

// LoanClient disburses from the loan pool through the relay.
type LoanClient struct {
	c *client
}

var _ recovery.LoanGateway = (*LoanClient)(nil)

// NewLoanClient creates a LoanClient.
func NewLoanClient(opts Options) (*LoanClient, error) {
	c, err := newClient(opts, "gateway.loans")
	if err != nil {
		return nil, err
	}
	return &LoanClient{c: c}, nil
}

type disburseBody struct {
	AccountID      string `json:"account_id"`
	DisbursementID string `json:"disbursement_id"`
	Amount         int64  `json:"amount"`
}

type balanceResponse struct {
	Available int64 `json:"available"`
}

// Disburse sends amount to the account. It is attempted once; the caller
// retries with the same disbursementID, which the pool applies at most once.
func (l *LoanClient) Disburse(ctx context.Context, accountID, disbursementID string, amount int64) (recovery.Receipt, error) {
	var resp receiptResponse
	body := disburseBody{AccountID: accountID, DisbursementID: disbursementID, Amount: amount}
	if err := l.c.do(ctx, http.MethodPost, "/v1/pool/disbursements", disbursementID, body, &resp); err != nil {
		return recovery.Receipt{}, err
	}
	return resp.receipt(), nil
}

// PoolBalance returns the pool's available liquidity.
func (l *LoanClient) PoolBalance(ctx context.Context) (int64, error) {
	var resp balanceResponse
	err := l.c.retry(ctx, "pool_balance", func() error {
		return l.c.do(ctx, http.MethodGet, "/v1/pool/balance", "", nil, &resp)
	})
	if err != nil {
		return 0, err
	}
	return resp.Available, nil
}
