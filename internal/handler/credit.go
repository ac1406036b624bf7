package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/guardianvault/recoveryd/internal/handler/dto"
	"github.com/guardianvault/recoveryd/internal/middleware"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
)

// Draw handles POST /api/v1/accounts/{id}/credit/draws. The
// Idempotency-Key header names the draw; replaying it returns the original
// disbursement instead of paying twice.
func (h *AccountHandler) Draw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	drawID := middleware.GetIdempotencyKey(r.Context())
	if err := middleware.ValidateIdempotencyKey(drawID); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidIdempotency, err.Error())
		return
	}

	var req dto.AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.svc.Draw(r.Context(), id, caller, drawID, req.Amount)
	switch {
	case errors.Is(err, recovery.ErrDrawCompleted):
		resp := dto.ToDrawResponse(res)
		resp.Replayed = true
		if resp.Exhausted {
			resp.SocialLoanPath = socialLoanPath(id)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		h.fail(w, r, id, err)
		return
	}

	h.logger.Info("credit_drawn",
		"account_id", id,
		"draw_id", res.Draw.ID,
		"amount", res.Draw.Amount,
		"remaining", res.Remaining,
	)

	resp := dto.ToDrawResponse(res)
	if resp.Exhausted {
		resp.SocialLoanPath = socialLoanPath(id)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// RequestSocialLoan handles POST /api/v1/accounts/{id}/social-loans.
func (h *AccountHandler) RequestSocialLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req dto.AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	loan, err := h.svc.RequestSocialLoan(r.Context(), id, caller, req.Amount)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// ApproveSocialLoan handles POST /api/v1/accounts/{id}/social-loans/approvals.
// The approval that reaches quorum disburses the loan.
func (h *AccountHandler) ApproveSocialLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	loan, err := h.svc.ApproveSocialLoan(r.Context(), id, caller)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}

	if loan.Status == model.SocialLoanDisbursed {
		h.logger.Info("social_loan_disbursed", "account_id", id, "loan_id", loan.ID, "amount", loan.Amount)
	}
	writeJSON(w, http.StatusOK, loan)
}
