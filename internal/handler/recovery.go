package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/guardianvault/recoveryd/internal/handler/dto"
)

// InitiateRecovery handles POST /api/v1/accounts/{id}/recovery.
func (h *AccountHandler) InitiateRecovery(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req dto.InitiateRecoveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	request, err := h.svc.InitiateRecovery(r.Context(), id, caller, req.NewOwner)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

// ApproveRecovery handles POST /api/v1/accounts/{id}/recovery/approvals.
// The caller approves as a guardian.
func (h *AccountHandler) ApproveRecovery(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	res, err := h.svc.ApproveRecovery(r.Context(), id, caller)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToApprovalResponse(res))
}

// CancelRecovery handles POST /api/v1/accounts/{id}/recovery/cancel.
func (h *AccountHandler) CancelRecovery(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	res, err := h.svc.CancelRecovery(r.Context(), id, caller)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}

	status := http.StatusOK
	if !res.Cancelled {
		status = http.StatusAccepted
	}
	writeJSON(w, status, dto.CancelResponse{Cancelled: res.Cancelled, Votes: res.Votes, Required: res.Required})
}

// PollTimelock handles POST /api/v1/accounts/{id}/recovery/poll. Polling
// only finalizes a timelock that has already run out, so any authenticated
// caller may trigger it.
func (h *AccountHandler) PollTimelock(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.caller(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")

	finalized, err := h.svc.PollTimelock(r.Context(), id)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.PollResponse{Finalized: finalized})
}
