package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/guardianvault/recoveryd/internal/auth"
)

// Recoverer turns a handler panic into a logged 500. The machine mutates
// only after the ledger confirms and the save is transactional, so a panic
// mid-command leaves the stored account untouched.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}

				attrs := []any{
					slog.String("request_id", GetRequestID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rvr),
					slog.String("stack", string(debug.Stack())),
				}
				if caller := auth.CallerFromContext(r.Context()); caller != nil {
					attrs = append(attrs, slog.String("key_id", caller.KeyID))
				}
				logger.Error("panic_recovered", attrs...)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
