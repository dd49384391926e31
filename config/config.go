// Package config loads server settings from .env and the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Port               int           `env:"PORT" envDefault:"8080"`
	StoreDriver        string        `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath         string        `env:"SQLITE_PATH" envDefault:"reactions.db"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	AutoCreateSubjects bool          `env:"AUTO_CREATE_SUBJECTS" envDefault:"true"`
	DedupTTL           time.Duration `env:"DEDUP_TTL" envDefault:"10m"`
	DedupMaxPerVoter   int           `env:"DEDUP_MAX_PER_VOTER" envDefault:"256"`
	AuditEnabled       bool          `env:"AUDIT_ENABLED" envDefault:"true"`
	AuditInterval      time.Duration `env:"AUDIT_INTERVAL" envDefault:"1h"`
	SubscriberBuffer   int           `env:"SUBSCRIBER_BUFFER" envDefault:"16"`
	CORSOrigins        []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
}

// New reads .env when present, then the environment. A missing .env is not
// an error.
func New(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Variables already set in the environment win over the file.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want sqlite, memory or postgres)", c.StoreDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.AuditEnabled && c.AuditInterval <= 0 {
		return errors.New("AUDIT_INTERVAL must be positive when auditing is enabled")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
