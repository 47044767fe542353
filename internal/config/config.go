package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the server reads from the environment.
// PostgreSQL is expected in production (DATABASE_URL=postgres://...);
// the SQLite default keeps local development dependency-free.
type Config struct {
	DatabaseURL     string `env:"DATABASE_URL" envDefault:"sqlite://spine.db"`
	Port            string `env:"PORT" envDefault:"8080"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	OTELEnabled     bool   `env:"OTEL_ENABLED"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"spine"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// DriverAndDSN resolves DatabaseURL into a database/sql driver name and DSN.
func (c Config) DriverAndDSN() (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres", c.DatabaseURL, nil
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		path := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
		return "sqlite", "file:" + path + "?_pragma=foreign_keys(1)", nil
	default:
		return "", "", fmt.Errorf("unsupported database URL %q (expected postgres:// or sqlite://)", c.DatabaseURL)
	}
}
