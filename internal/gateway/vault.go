package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
)

// VaultClient submits vault transactions through the relay.
type VaultClient struct {
	c *client
}

var _ recovery.VaultGateway = (*VaultClient)(nil)

// NewVaultClient creates a VaultClient.
func NewVaultClient(opts Options) (*VaultClient, error) {
	c, err := newClient(opts, "gateway.vault")
	if err != nil {
		return nil, err
	}
	return &VaultClient{c: c}, nil
}

type guardianBody struct {
	Guardian string `json:"guardian"`
}

type initiateBody struct {
	RequestID string `json:"request_id"`
	NewOwner  string `json:"new_owner"`
}

type finalizeBody struct {
	NewOwner string `json:"new_owner"`
}

func vaultPath(accountID string, parts ...string) string {
	p := "/v1/vaults/" + url.PathEscape(accountID)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func (v *VaultClient) submit(ctx context.Context, path, key string, body any) (recovery.Receipt, error) {
	var resp receiptResponse
	if err := v.c.do(ctx, http.MethodPost, path, key, body, &resp); err != nil {
		return recovery.Receipt{}, err
	}
	return resp.receipt(), nil
}

// SubmitGuardianAdd registers a guardian on the vault. Guardian changes can
// legitimately repeat, so every call gets a fresh idempotency key.
func (v *VaultClient) SubmitGuardianAdd(ctx context.Context, accountID string, guardian model.Address) (recovery.Receipt, error) {
	return v.submit(ctx, vaultPath(accountID, "guardians"), uuid.NewString(), guardianBody{Guardian: guardian.String()})
}

// SubmitGuardianRemove unregisters a guardian on the vault.
func (v *VaultClient) SubmitGuardianRemove(ctx context.Context, accountID string, guardian model.Address) (recovery.Receipt, error) {
	return v.submit(ctx, vaultPath(accountID, "guardians", "remove"), uuid.NewString(), guardianBody{Guardian: guardian.String()})
}

// SubmitInitiateRecovery opens a recovery request on the vault.
func (v *VaultClient) SubmitInitiateRecovery(ctx context.Context, accountID, requestID string, newOwner model.Address) (recovery.Receipt, error) {
	return v.submit(ctx, vaultPath(accountID, "recoveries"), "initiate:"+requestID,
		initiateBody{RequestID: requestID, NewOwner: newOwner.String()})
}

// SubmitApproveRecovery records one guardian's approval.
func (v *VaultClient) SubmitApproveRecovery(ctx context.Context, accountID, requestID string, guardian model.Address) (recovery.Receipt, error) {
	return v.submit(ctx, vaultPath(accountID, "recoveries", requestID, "approvals"),
		"approve:"+requestID+":"+guardian.String(), guardianBody{Guardian: guardian.String()})
}

// SubmitCancelRecovery cancels the request on the vault.
func (v *VaultClient) SubmitCancelRecovery(ctx context.Context, accountID, requestID string) (recovery.Receipt, error) {
	return v.submit(ctx, vaultPath(accountID, "recoveries", requestID, "cancel"), "cancel:"+requestID, nil)
}

// SubmitFinalizeRecovery transfers ownership once the timelock elapsed.
// The key is fixed per request, so it is retried until the relay answers.
func (v *VaultClient) SubmitFinalizeRecovery(ctx context.Context, accountID, requestID string, newOwner model.Address) (recovery.Receipt, error) {
	var receipt recovery.Receipt
	err := v.c.retry(ctx, "finalize", func() error {
		var err error
		receipt, err = v.submit(ctx, vaultPath(accountID, "recoveries", requestID, "finalize"),
			"finalize:"+requestID, finalizeBody{NewOwner: newOwner.String()})
		return err
	})
	return receipt, err
}
