package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration read from the environment.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	JWTSecret           string
	RedisAddr           string
	NATSURL             string
	RuleSetDefaults     string
	DiagnosticsCacheTTL time.Duration
	IntegrityGrace      time.Duration
	OrderSubjectPrefix  string
	LedgerSubject       string
	ShutdownTimeout     time.Duration
}

// ErrMissingDatabaseURL is returned when no DSN is configured.
var ErrMissingDatabaseURL = errors.New("config: DATABASE_URL or PG_DSN is required")

// Load reads a .env file when present, then the environment. Variables already set
// in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := FromEnv()
	if cfg.DatabaseURL == "" {
		return cfg, ErrMissingDatabaseURL
	}
	return cfg, nil
}

// FromEnv reads the environment without validation.
func FromEnv() Config {
	return Config{
		DatabaseURL:         getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:            getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:           getenvDefault("JWT_SECRET", ""),
		RedisAddr:           getenvDefault("REDIS_ADDR", ""),
		NATSURL:             getenvDefault("NATS_URL", ""),
		RuleSetDefaults:     getenvDefault("RULESET_DEFAULTS", ""),
		DiagnosticsCacheTTL: getenvDuration("DIAGNOSTICS_CACHE_TTL", 5*time.Minute),
		IntegrityGrace:      getenvDuration("INTEGRITY_GRACE", 24*time.Hour),
		OrderSubjectPrefix:  getenvDefault("ORDER_SUBJECT_PREFIX", "orders"),
		LedgerSubject:       getenvDefault("LEDGER_SUBJECT", "ledger.transactions.recorded"),
		ShutdownTimeout:     getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
