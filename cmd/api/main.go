// Package main is the entrypoint for the recoveryd API server.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/guardianvault/recoveryd/internal/auth"
	"github.com/guardianvault/recoveryd/internal/cache"
	"github.com/guardianvault/recoveryd/internal/config"
	"github.com/guardianvault/recoveryd/internal/gateway"
	"github.com/guardianvault/recoveryd/internal/handler"
	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/middleware"
	"github.com/guardianvault/recoveryd/internal/notify"
	"github.com/guardianvault/recoveryd/internal/repository"
	"github.com/guardianvault/recoveryd/internal/server"
	"github.com/guardianvault/recoveryd/internal/service"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	machineCfg, err := cfg.MachineConfig()
	if err != nil {
		logger.Error("invalid recovery configuration", "error", err)
		os.Exit(1)
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to database")

	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		repo.Close()
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	relay := gateway.Options{
		Token:           cfg.RelayAPIToken,
		Timeout:         cfg.RelayTimeout,
		RetryMaxElapsed: cfg.RelayRetryMaxElapsed,
		Logger:          logger,
	}
	relay.BaseURL = cfg.VaultRelayURL
	vault, err := gateway.NewVaultClient(relay)
	if err != nil {
		logger.Error("invalid vault relay configuration", "error", err)
		os.Exit(1)
	}
	relay.BaseURL = cfg.LoanRelayURL
	loans, err := gateway.NewLoanClient(relay)
	if err != nil {
		logger.Error("invalid loan relay configuration", "error", err)
		os.Exit(1)
	}

	recorder := metrics.NewInMemory()

	deps := service.Deps{
		Store:   repo,
		Vault:   vault,
		Loans:   loans,
		Locker:  cacheClient.NewLocker(),
		Cache:   cacheClient,
		Metrics: recorder,
		Logger:  logger,
		LockTTL: cfg.LockTTL,
	}

	var worker *notify.Worker
	if cfg.NotifyEnabled {
		if err := notify.ValidateEndpoint(cfg.NotifyWebhookURL, cfg.IsProduction()); err != nil {
			logger.Error("invalid notification endpoint", "error", err)
			os.Exit(1)
		}
		deps.Publisher = notify.NewPublisher(cacheClient.Client(), logger)
		worker = notify.NewWorker(cacheClient.Client(), cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, logger, notify.NewConsumerID(), recorder)
	}

	accounts := service.NewAccountService(deps, machineCfg)
	sweeper := service.NewTimelockSweeper(repo, accounts, logger, recorder).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize)

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.GetCORSAllowedOrigins()

	router := server.NewRouter(server.RouterConfig{
		Logger:   logger,
		Health:   handler.NewHealthHandler(repo, cacheClient, logger),
		Metrics:  handler.NewMetricsHandler(recorder),
		Accounts: handler.NewAccountHandler(accounts, logger),
		APIKeys:  handler.NewAPIKeyHandler(logger, repo, cacheClient, auth.EnvFor(cfg.AppEnv)),
		Auth: middleware.AuthConfig{
			Logger: logger,
			Keys:   repo,
			Cache:  cacheClient,
		},
		RateLimit: middleware.RateLimitConfig{
			Logger:  logger,
			Limiter: cacheClient,
			Enabled: cfg.RateLimitAPIEnabled,
		},
		CORS:        cors,
		Security:    middleware.SecurityConfig{IsDevelopment: cfg.IsDevelopment()},
		MaxBodySize: cfg.MaxRequestBodySize,
	})

	srv := server.New(
		router,
		cfg.AppPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	// Registered first, closed last.
	srv.OnShutdown("postgres", func(context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("redis", func(context.Context) error {
		return cacheClient.Close()
	})

	srv.Go("timelock_sweeper", sweeper.Run)
	if worker != nil {
		srv.Go("notify_worker", worker.Run)
		srv.OnShutdown("notify_worker", worker.Shutdown)
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"quorum_policy", machineCfg.Policy,
		"timelock", machineCfg.TimelockDuration,
		"credit_ceiling", machineCfg.CreditCeiling,
		"notify_enabled", cfg.NotifyEnabled,
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h).With("service", "recoveryd")
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
