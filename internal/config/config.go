package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every knob the bot needs. Values come from the environment,
// mirroring how the service is deployed; Load never fails, Validate reports
// all missing required variables at once.
type Config struct {
	// DatabasePath is the SQLite file holding orcamento, transacoes and
	// sessions. ":memory:" is accepted for tests.
	DatabasePath string

	// GenAIModel is the model used for extraction and edit interpretation.
	GenAIModel string

	// ReceiptBucket enables archival of inbound receipt images when set.
	ReceiptBucket string

	// SessionTTL is the idle timeout after which a session expires.
	SessionTTL time.Duration

	// SweepInterval is how often expired sessions are collected.
	SweepInterval time.Duration

	// CommitRetries bounds retries of transient commit failures.
	CommitRetries int

	// CommitBackoff is the base backoff between commit retries.
	CommitBackoff time.Duration

	// CostCenter is stamped on every committed row.
	CostCenter string

	// AllowNewAccounts registers a free-text account name during the
	// account-collection step instead of rejecting it.
	AllowNewAccounts bool
}

// Load reads configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		DatabasePath:     os.Getenv("ORCABOT_DB"),
		GenAIModel:       envOr("ORCABOT_MODEL", "gemini-2.5-flash"),
		ReceiptBucket:    os.Getenv("ORCABOT_RECEIPT_BUCKET"),
		SessionTTL:       envDuration("ORCABOT_SESSION_TTL", 24*time.Hour),
		SweepInterval:    envDuration("ORCABOT_SWEEP_INTERVAL", 10*time.Minute),
		CommitRetries:    envInt("ORCABOT_COMMIT_RETRIES", 3),
		CommitBackoff:    envDuration("ORCABOT_COMMIT_BACKOFF", 200*time.Millisecond),
		CostCenter:       envOr("ORCABOT_COST_CENTER", "custeio"),
		AllowNewAccounts: envBool("ORCABOT_ALLOW_NEW_ACCOUNTS", false),
	}
}

// Validate reports every missing required variable in one error.
func (c Config) Validate() error {
	var missing []string
	if c.DatabasePath == "" {
		missing = append(missing, "ORCABOT_DB")
	}
	if c.GenAIModel == "" {
		missing = append(missing, "ORCABOT_MODEL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("ORCABOT_SESSION_TTL must be positive")
	}
	if c.CommitRetries < 0 {
		return fmt.Errorf("ORCABOT_COMMIT_RETRIES must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
