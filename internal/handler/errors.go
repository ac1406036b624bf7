package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/guardianvault/recoveryd/internal/middleware"
	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/service"
)

// errorMapping is the HTTP form of a domain error.
type errorMapping struct {
	status  int
	code    string
	message string
}

// Order matters: gateway errors wrap their transport detail, and the first
// match wins.
var errorMappings = []struct {
	err error
	errorMapping
}{
	{service.ErrAccountNotFound, errorMapping{http.StatusNotFound, "account_not_found", "account not found"}},
	{service.ErrInvalidOwner, errorMapping{http.StatusBadRequest, "invalid_owner", "invalid owner address"}},
	{service.ErrBusy, errorMapping{http.StatusServiceUnavailable, "account_busy", "account is busy, retry the request"}},

	{recovery.ErrInvalidAmount, errorMapping{http.StatusBadRequest, "invalid_amount", "amount must be positive"}},
	{recovery.ErrInvalidNewOwner, errorMapping{http.StatusBadRequest, "invalid_new_owner", "invalid new owner"}},
	{recovery.ErrInvalidIdentifier, errorMapping{http.StatusBadRequest, "invalid_address", "invalid guardian address"}},
	{recovery.ErrNotAuthorized, errorMapping{http.StatusForbidden, "forbidden", "caller not authorized for this operation"}},
	{recovery.ErrNotAGuardian, errorMapping{http.StatusForbidden, "not_a_guardian", "caller is not an active guardian"}},
	{recovery.ErrNotFound, errorMapping{http.StatusNotFound, "guardian_not_found", "guardian not found"}},
	{recovery.ErrInvalidState, errorMapping{http.StatusConflict, "invalid_state", "operation not allowed in current recovery state"}},
	{recovery.ErrAlreadyApproved, errorMapping{http.StatusConflict, "already_approved", "guardian already approved"}},
	{recovery.ErrDuplicateGuardian, errorMapping{http.StatusConflict, "duplicate_guardian", "guardian already registered"}},
	{recovery.ErrQuorumUnreachable, errorMapping{http.StatusConflict, "quorum_unreachable", "quorum would be unreachable"}},
	{recovery.ErrCreditExhausted, errorMapping{http.StatusConflict, "credit_exhausted", "emergency credit exhausted"}},
	{recovery.ErrDrawCompleted, errorMapping{http.StatusConflict, "draw_completed", "draw already disbursed"}},
	{recovery.ErrLoanPending, errorMapping{http.StatusConflict, "loan_pending", "a social loan is already pending"}},
	{recovery.ErrNoPendingLoan, errorMapping{http.StatusConflict, "no_pending_loan", "no pending social loan"}},

	{recovery.ErrPoolInsufficient, errorMapping{http.StatusConflict, "pool_insufficient", "loan pool balance insufficient"}},
	{recovery.ErrRejected, errorMapping{http.StatusUnprocessableEntity, "rejected", "rejected by ledger"}},
	{recovery.ErrUnavailable, errorMapping{http.StatusServiceUnavailable, "ledger_unavailable", "ledger unavailable, retry the request"}},
}

// handleServiceError maps service and recovery errors to responses.
// Unknown errors are logged and reported as 500 without detail.
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, accountID string, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.err) {
			continue
		}
		resp := ErrorResponse{Error: m.message, Code: m.code}
		if m.err == recovery.ErrCreditExhausted && accountID != "" {
			resp.SocialLoanPath = socialLoanPath(accountID)
		}
		if m.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
			logger.Warn("command_unavailable",
				slog.String("request_id", middleware.GetRequestID(r.Context())),
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, m.status, resp)
		return
	}

	logger.Error("command_failed",
		slog.String("request_id", middleware.GetRequestID(r.Context())),
		slog.String("account_id", accountID),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}

func socialLoanPath(accountID string) string {
	return "/api/v1/accounts/" + accountID + "/social-loans"
}
