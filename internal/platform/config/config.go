package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// JWTConfig configures JWT verification against a JWKS endpoint.
// These values are deployment-provided.
type JWTConfig struct {
	Issuer   string `env:"ISSUER"`
	Audience string `env:"AUDIENCE"`
	JWKSURL  string `env:"JWKS_URL"`

	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"30s"`
	// Refresh periodically to pick up key rotation even if an old key is still cached.
	JWKSRefreshInterval time.Duration `env:"JWKS_REFRESH_INTERVAL" envDefault:"5m"`
	// Bound refresh frequency when a token presents an unknown kid (avoid thundering herd).
	JWKSMinRefreshInterval time.Duration `env:"JWKS_MIN_REFRESH_INTERVAL" envDefault:"10s"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"5s"`
}

// RetryConfig bounds the backoff applied to transient store failures.
type RetryConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"4"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"50ms"`
	MaxDelay    time.Duration `env:"MAX_DELAY" envDefault:"2s"`
}

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// AuthMode selects bearer-JWT verification ("jwt") or the local dev shim
	// ("dev", X-Debug-Subject / X-Debug-Email headers).
	AuthMode   string `env:"AUTH_MODE" envDefault:"jwt"`
	DevSubject string `env:"DEV_SUBJECT" envDefault:"dev|local"`
	DevEmail   string `env:"DEV_EMAIL" envDefault:"dev@localhost"`
	DevIssuer  string `env:"DEV_ISSUER" envDefault:"dev"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`
	DatabaseURL    string `env:"DATABASE_URL"`

	// DeveloperAllowlist holds the email addresses permitted to receive the
	// developer claim role.
	DeveloperAllowlist []string `env:"DEVELOPER_ALLOWLIST" envSeparator:","`

	Retry RetryConfig `envPrefix:"RETRY_"`
	JWT   JWTConfig   `envPrefix:"JWT_"`
}

// Load reads configuration from environment variables and validates the
// combinations the service cannot start without.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.AuthMode == "jwt" {
		if cfg.JWT.Issuer == "" || cfg.JWT.Audience == "" || cfg.JWT.JWKSURL == "" {
			return Config{}, fmt.Errorf("missing required env vars: JWT_ISSUER, JWT_AUDIENCE, JWT_JWKS_URL")
		}
	}
	if cfg.StorageBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("STORAGE_BACKEND=postgres requires DATABASE_URL")
	}
	return cfg, nil
}
