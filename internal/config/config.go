// Package config reads the engine's runtime configuration from environment
// variables, following the teacher's own env(key, default) minimalism: no
// config framework, no file parsing, just os.Getenv with sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the engine's complete runtime configuration.
type Config struct {
	Env         string
	DatabaseURL string
	HTTPAddr    string

	RemoteBaseURL string
	RemoteAPIKey  string

	WebhookSecret string

	MaxParallelWorkers int
	StaleRunThreshold  time.Duration
	StuckRunThreshold  time.Duration

	DefaultAccountID string

	JWTHS256Secret          string
	JWTIssuer               string
	JWTAudience             string
	JWKSURL                 string
	BackendRSAPrivateKeyPEM string
	BackendKeyID            string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMinutes(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Minute
}

// Load reads every supported environment variable into a Config, applying
// the defaults documented for local development. DATABASE_URL has no
// default: Load returns an error when it is unset.
func Load() (Config, error) {
	cfg := Config{
		Env:         env("ENV", ""),
		DatabaseURL: env("DATABASE_URL", ""),
		HTTPAddr:    env("HTTP_ADDR", ":8081"),

		RemoteBaseURL: env("REMOTE_API_BASE_URL", ""),
		RemoteAPIKey:  env("REMOTE_API_KEY", ""),

		WebhookSecret: env("SYNC_WEBHOOK_SECRET", ""),

		MaxParallelWorkers: envInt("SYNC_MAX_PARALLEL_WORKERS", 5),
		StaleRunThreshold:  envMinutes("SYNC_STALE_RUN_MINUTES", 60*time.Minute),
		StuckRunThreshold:  envMinutes("SYNC_STUCK_RUNNING_MINUTES", 15*time.Minute),

		DefaultAccountID: env("SYNC_DEFAULT_ACCOUNT_ID", ""),

		JWTHS256Secret:          env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		JWTIssuer:               env("JWT_ISSUER", ""),
		JWTAudience:             env("JWT_AUDIENCE", ""),
		JWKSURL:                 env("JWKS_URL", ""),
		BackendRSAPrivateKeyPEM: env("BACKEND_RSA_PRIVATE_KEY_PEM", ""),
		BackendKeyID:            env("BACKEND_KEY_ID", ""),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL is required")
	}

	return cfg, nil
}

// IsDev reports whether the service is running in local development mode.
func (c Config) IsDev() bool {
	return c.Env == "dev"
}
