// Package config loads the server settings from VIGIL_-prefixed environment
// variables and enforces the production safety checks on default secrets.
package config

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"goa.design/clue/log"
)

// Defaults that are only acceptable in development. Validate rejects them in
// any other environment.
const (
	DefaultAPIKey    = "dev-api-key-change-me"
	DefaultJWTSecret = "dev-jwt-secret-change-me"
)

// Config holds every server setting. All fields can be overridden via
// environment variables prefixed with VIGIL_ (e.g. VIGIL_DATABASE_URL).
type Config struct {
	// DatabaseURL selects the Postgres instance. When empty the server runs
	// on the in-memory store.
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL enables the cross-instance broadcast bridge when set.
	RedisURL string `env:"REDIS_URL"`

	Host        string   `env:"HOST" envDefault:"0.0.0.0"`
	Port        int      `env:"PORT" envDefault:"8000"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000"`

	APIKey           string `env:"API_KEY" envDefault:"dev-api-key-change-me"`
	JWTSecret        string `env:"JWT_SECRET" envDefault:"dev-jwt-secret-change-me"`
	JWTAlgorithm     string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	JWTExpireMinutes int    `env:"JWT_EXPIRE_MINUTES" envDefault:"1440"`

	RateLimitRequests      int `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindowSeconds int `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	// EncryptionKey protects provider API keys at rest. Required before any
	// settings write that carries a provider key.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	Env string `env:"ENV" envDefault:"development"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "VIGIL_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects default secrets outside development and sanity-checks the
// numeric settings. In development it logs a warning instead so local runs
// stay frictionless.
func (c Config) Validate(ctx context.Context) error {
	if c.Env != "development" {
		if c.APIKey == DefaultAPIKey {
			return fmt.Errorf("default API key must not be used in %s: set VIGIL_API_KEY", c.Env)
		}
		if c.JWTSecret == DefaultJWTSecret {
			return fmt.Errorf("default JWT secret must not be used in %s: set VIGIL_JWT_SECRET", c.Env)
		}
	} else {
		if c.APIKey == DefaultAPIKey {
			log.Warn(ctx, log.KV{K: "msg", V: "using default API key, do not use in production"})
		}
		if c.JWTSecret == DefaultJWTSecret {
			log.Warn(ctx, log.KV{K: "msg", V: "using default JWT secret, do not use in production"})
		}
	}
	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported JWT algorithm %q", c.JWTAlgorithm)
	}
	if c.JWTExpireMinutes <= 0 {
		return fmt.Errorf("JWT expiry must be positive, got %d", c.JWTExpireMinutes)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate limit capacity and window must be positive")
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
