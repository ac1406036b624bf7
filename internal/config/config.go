// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/guardianvault/recoveryd/internal/recovery"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Cache, locks and notification stream (Redis)
	RedisURL string `env:"REDIS_URL,required"`

	// Ledger relay that signs and submits vault and loan pool transactions
	VaultRelayURL string        `env:"VAULT_RELAY_URL,required"`
	LoanRelayURL  string        `env:"LOAN_RELAY_URL,required"`
	RelayAPIToken string        `env:"RELAY_API_TOKEN"`
	RelayTimeout  time.Duration `env:"RELAY_TIMEOUT" envDefault:"15s"`
	// Retry budget for idempotent relay reads such as the pool balance.
	RelayRetryMaxElapsed time.Duration `env:"RELAY_RETRY_MAX_ELAPSED" envDefault:"10s"`

	// Recovery parameters
	TimelockDuration time.Duration `env:"TIMELOCK_DURATION" envDefault:"48h"`
	// Base units of the settlement token (6 decimals).
	EmergencyCreditCeiling int64  `env:"EMERGENCY_CREDIT_CEILING" envDefault:"200000000"`
	QuorumPolicy           string `env:"QUORUM_POLICY" envDefault:"majority"`

	// Timelock sweeper
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"10s"`
	SweepBatchSize int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`

	// Per-account distributed lock. Must outlast the slowest command, see
	// CommandBudget.
	LockTTL time.Duration `env:"LOCK_TTL" envDefault:"60s"`

	// Guardian notifications
	NotifyEnabled       bool   `env:"NOTIFY_ENABLED" envDefault:"false"`
	NotifyWebhookURL    string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `env:"NOTIFY_WEBHOOK_SECRET"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Rate limiting
	RateLimitAPIEnabled bool `env:"RATE_LIMIT_API_ENABLED" envDefault:"true"`

	// CORS configuration
	// Comma-separated list of allowed origins (e.g., "https://wallet.example.com")
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`

	// Request body size limit in bytes (default 64KB)
	MaxRequestBodySize int64 `env:"MAX_REQUEST_BODY_SIZE" envDefault:"65536"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// GetCORSAllowedOrigins parses the comma-separated origins string into a slice.
func (c *Config) GetCORSAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}

	origins := strings.Split(c.CORSAllowedOrigins, ",")
	result := make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// MachineConfig returns the recovery parameters.
func (c *Config) MachineConfig() (recovery.MachineConfig, error) {
	policy, err := recovery.ParseQuorumPolicy(c.QuorumPolicy)
	if err != nil {
		return recovery.MachineConfig{}, err
	}
	return recovery.MachineConfig{
		Policy:           policy,
		TimelockDuration: c.TimelockDuration,
		CreditCeiling:    c.EmergencyCreditCeiling,
	}, nil
}

// CommandBudget is the longest a single account command can spend on the
// relay: a retried call whose last attempt may run a full timeout, then one
// confirmed submission. A draw's balance check and disbursement is the worst
// case.
func (c *Config) CommandBudget() time.Duration {
	return c.RelayRetryMaxElapsed + 2*c.RelayTimeout
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	if c.RelayTimeout <= 0 || c.RelayRetryMaxElapsed <= 0 {
		return fmt.Errorf("RELAY_TIMEOUT and RELAY_RETRY_MAX_ELAPSED must be positive")
	}
	// A lock that expires mid-command lets a second replica run the same
	// disbursement against a stale version.
	if c.LockTTL <= c.CommandBudget() {
		return fmt.Errorf("LOCK_TTL (%s) must exceed RELAY_RETRY_MAX_ELAPSED + 2*RELAY_TIMEOUT (%s)", c.LockTTL, c.CommandBudget())
	}
	if c.TimelockDuration <= 0 {
		return fmt.Errorf("TIMELOCK_DURATION must be positive")
	}
	if c.EmergencyCreditCeiling <= 0 {
		return fmt.Errorf("EMERGENCY_CREDIT_CEILING must be positive")
	}
	if _, err := recovery.ParseQuorumPolicy(c.QuorumPolicy); err != nil {
		return fmt.Errorf("QUORUM_POLICY: %w", err)
	}
	if c.NotifyEnabled && (c.NotifyWebhookURL == "" || c.NotifyWebhookSecret == "") {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL and NOTIFY_WEBHOOK_SECRET are required when NOTIFY_ENABLED is set")
	}
	return nil
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
