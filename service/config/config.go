package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/escrowd/service/ledger"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string // empty serves /metrics on ServerAddr
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Escrow account settled by this deployment
	EscrowAccount string

	// Ledger configuration
	LedgerNetwork        string
	LedgerRPCURL         string
	LedgerSigningSecret  string
	LedgerTokens         *ledger.TokenRegistry
	LedgerTimeout        time.Duration
	LedgerPageLimit      int
	// LedgerConfirmTimeout bounds the wait for one payment to validate.
	LedgerConfirmTimeout time.Duration

	// Trust oracle configuration
	OracleURL     string
	OracleAPIKey  string
	OracleTimeout time.Duration

	// Reconciliation configuration
	PollInterval  time.Duration
	CycleLeaseTTL time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Every problem is reported, not just the first one.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "escrowd-reconcile")

	cfg.EscrowAccount = os.Getenv("ESCROW_ACCOUNT")
	if cfg.EscrowAccount == "" {
		errs = append(errs, fmt.Errorf("ESCROW_ACCOUNT is required"))
	}

	cfg.LedgerNetwork = getEnvOrDefault("LEDGER_NETWORK", ledger.NetworkXRPL)
	if cfg.LedgerNetwork != ledger.NetworkXRPL && cfg.LedgerNetwork != ledger.NetworkSolana {
		errs = append(errs, fmt.Errorf("LEDGER_NETWORK must be %q or %q, got %q", ledger.NetworkXRPL, ledger.NetworkSolana, cfg.LedgerNetwork))
	}

	cfg.LedgerRPCURL = os.Getenv("LEDGER_RPC_URL")
	if cfg.LedgerRPCURL == "" {
		errs = append(errs, fmt.Errorf("LEDGER_RPC_URL is required"))
	}

	cfg.LedgerSigningSecret = os.Getenv("LEDGER_SIGNING_SECRET")
	if cfg.LedgerSigningSecret == "" {
		errs = append(errs, fmt.Errorf("LEDGER_SIGNING_SECRET is required"))
	}

	tokens, err := ledger.ParseTokens(os.Getenv("LEDGER_TOKENS"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LEDGER_TOKENS: %w", err))
	} else {
		cfg.LedgerTokens = tokens
	}

	if cfg.LedgerTimeout, err = parseDuration("LEDGER_TIMEOUT", "15s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.LedgerConfirmTimeout, err = parseDuration("LEDGER_CONFIRM_TIMEOUT", "90s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.LedgerPageLimit, err = parseInt("LEDGER_PAGE_LIMIT", 200); err != nil {
		errs = append(errs, err)
	} else if cfg.LedgerPageLimit <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_PAGE_LIMIT must be positive, got %d", cfg.LedgerPageLimit))
	}

	cfg.OracleURL = os.Getenv("ORACLE_URL")
	if cfg.OracleURL == "" {
		errs = append(errs, fmt.Errorf("ORACLE_URL is required"))
	}
	cfg.OracleAPIKey = os.Getenv("ORACLE_API_KEY")
	if cfg.OracleTimeout, err = parseDuration("ORACLE_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}

	if cfg.PollInterval, err = parseDuration("POLL_INTERVAL", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.CycleLeaseTTL, err = parseDuration("CYCLE_LEASE_TTL", "5m"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks a programmatically built configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.EscrowAccount == "" {
		errs = append(errs, fmt.Errorf("EscrowAccount is required"))
	}
	if c.LedgerRPCURL == "" {
		errs = append(errs, fmt.Errorf("LedgerRPCURL is required"))
	}
	if c.LedgerSigningSecret == "" {
		errs = append(errs, fmt.Errorf("LedgerSigningSecret is required"))
	}
	if c.OracleURL == "" {
		errs = append(errs, fmt.Errorf("OracleURL is required"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}
	if c.LedgerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LedgerTimeout must be positive"))
	}
	// One execution confirms two legs under a single lease renewal.
	if c.LedgerConfirmTimeout > 0 && c.CycleLeaseTTL > 0 && c.CycleLeaseTTL <= 2*c.LedgerConfirmTimeout {
		errs = append(errs, fmt.Errorf("CycleLeaseTTL (%v) must exceed twice LedgerConfirmTimeout (%v)", c.CycleLeaseTTL, c.LedgerConfirmTimeout))
	}
	if c.OracleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OracleTimeout must be positive"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("PollInterval must be at least 1 second"))
	}
	if c.CycleLeaseTTL < c.PollInterval {
		errs = append(errs, fmt.Errorf("CycleLeaseTTL (%v) cannot be shorter than PollInterval (%v)", c.CycleLeaseTTL, c.PollInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// LedgerOptions returns the options for ledger.New.
func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Network:        c.LedgerNetwork,
		RPCURL:         c.LedgerRPCURL,
		Account:        c.EscrowAccount,
		SigningSecret:  c.LedgerSigningSecret,
		Tokens:         c.LedgerTokens,
		Timeout:        c.LedgerTimeout,
		PageLimit:      c.LedgerPageLimit,
		ConfirmTimeout: c.LedgerConfirmTimeout,
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
