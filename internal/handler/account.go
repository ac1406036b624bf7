package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/handler/dto"
	"github.com/guardianvault/recoveryd/internal/middleware"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/service"
)

// AccountHandler handles account, recovery and credit endpoints.
type AccountHandler struct {
	svc    *service.AccountService
	logger *slog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(svc *service.AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		svc:    svc,
		logger: logger.With("component", "account.handler"),
	}
}

// caller returns the authenticated address or writes a 401.
func (h *AccountHandler) caller(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	c := auth.CallerFromContext(r.Context())
	if c == nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return "", false
	}
	return c.Address, true
}

func (h *AccountHandler) fail(w http.ResponseWriter, r *http.Request, id string, err error) {
	handleServiceError(w, r, h.logger, id, err)
}

// Create handles POST /api/v1/accounts. The caller becomes the owner.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.caller(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.CreateAccount(r.Context(), owner)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}

	w.Header().Set("Location", "/api/v1/accounts/"+rec.ID)
	writeJSON(w, http.StatusCreated, dto.ToAccountResponse(&service.AccountView{Record: rec}))
}

// Get handles GET /api/v1/accounts/{id}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	view, err := h.svc.GetAccount(r.Context(), id, caller)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToAccountResponse(view))
}

// AddGuardian handles POST /api/v1/accounts/{id}/guardians.
func (h *AccountHandler) AddGuardian(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req dto.AddGuardianRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateLabel(req.Label); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_label", err.Error())
		return
	}

	g, err := h.svc.AddGuardian(r.Context(), id, caller, req.Address, req.Label)
	if err != nil {
		h.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// RemoveGuardian handles DELETE /api/v1/accounts/{id}/guardians/{address}.
func (h *AccountHandler) RemoveGuardian(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.svc.RemoveGuardian(r.Context(), id, caller, chi.URLParam(r, "address")); err != nil {
		h.fail(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
