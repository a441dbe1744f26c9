/*
Package config loads runtime configuration from the environment.

PURPOSE:
  One place that knows about environment variables. A .env file is loaded
  if present (local development); real deployments set the variables
  directly. Parsing and defaulting are declarative via struct tags.
*/
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr   string `env:"ADDR" envDefault:":8080"`
	DBPath string `env:"DB_PATH" envDefault:"./data/vaccine.db"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// Lots expiring within this window show up in expiry alerts.
	ExpiryAlertWindow time.Duration `env:"EXPIRY_ALERT_WINDOW" envDefault:"720h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads .env (if any) and the process environment. JWT_SECRET is the
// one variable with no safe default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	return cfg, nil
}
