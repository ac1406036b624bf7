package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/guardianvault/recoveryd/internal/handler"
	"github.com/guardianvault/recoveryd/internal/middleware"
)

// RouterConfig holds what NewRouter wires together.
type RouterConfig struct {
	Logger *slog.Logger

	Health   *handler.HealthHandler
	Metrics  *handler.MetricsHandler
	Accounts *handler.AccountHandler
	APIKeys  *handler.APIKeyHandler

	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimitConfig
	CORS      middleware.CORSConfig
	Security  middleware.SecurityConfig

	MaxBodySize int64
}

// NewRouter builds the chi router with every route and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer(cfg.Logger))
	r.Use(middleware.Security(cfg.Security))
	r.Use(middleware.CORS(cfg.CORS))

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	r.Get("/healthz", cfg.Health.Healthz)
	r.Get("/readyz", cfg.Health.Readyz)
	if cfg.Metrics != nil {
		r.Get("/metrics", cfg.Metrics.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(cfg.MaxBodySize))
		r.Use(middleware.RateLimitIP(cfg.RateLimit, middleware.DefaultIPRatePerMinute, middleware.DefaultIPBurst))
		r.Use(middleware.Auth(cfg.Auth))
		r.Use(middleware.RateLimitAPI(cfg.RateLimit))

		a := cfg.Accounts
		r.Post("/accounts", a.Create)
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", a.Get)

			r.Post("/guardians", a.AddGuardian)
			r.Delete("/guardians/{address}", a.RemoveGuardian)

			r.Post("/recovery", a.InitiateRecovery)
			r.Post("/recovery/approvals", a.ApproveRecovery)
			r.Post("/recovery/cancel", a.CancelRecovery)
			r.Post("/recovery/poll", a.PollTimelock)

			r.Post("/credit/draws", a.Draw)

			r.Post("/social-loans", a.RequestSocialLoan)
			r.Post("/social-loans/approvals", a.ApproveSocialLoan)
		})

		if k := cfg.APIKeys; k != nil {
			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", k.List)
				r.Post("/", k.Create)
				r.Delete("/{key_id}", k.Revoke)
				r.Post("/{key_id}/rotate", k.Rotate)
			})
		}
	})

	return r
}
