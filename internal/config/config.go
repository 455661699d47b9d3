// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL enables the token revocation cache when set (e.g. redis://localhost:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim set on every token and validated on every use.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim set on every token and validated on every use.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "30m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h" = 7d).
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// JWTRefreshTTLRemember is the refresh token lifetime when remember_me is set (e.g. "720h" = 30d).
	JWTRefreshTTLRemember string `mapstructure:"JWT_REFRESH_TTL_REMEMBER"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// SessionLimit is the per-user ceiling of concurrent non-revoked sessions.
	SessionLimit int `mapstructure:"SESSION_LIMIT"`
	// SessionIdleRetention is how long a session may stay inactive before the sweeper revokes it.
	SessionIdleRetention string `mapstructure:"SESSION_IDLE_RETENTION"`
	// EventRetention is how long security events are kept before the sweeper purges them.
	EventRetention string `mapstructure:"EVENT_RETENTION"`
	// TokenGrace is the window after expiry during which token records are kept for replay forensics.
	TokenGrace string `mapstructure:"TOKEN_GRACE"`
	// SweepInterval is the cleanup sweeper tick (e.g. "15m").
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// SweepBatch is the max rows deleted per statement so sweeps never starve request traffic.
	SweepBatch int `mapstructure:"SWEEP_BATCH"`
	// StorageTimeout bounds read-path store calls; on deadline the request fails instead of hanging.
	StorageTimeout string `mapstructure:"STORAGE_TIMEOUT"`
	// CookieSecure sets the Secure attribute on auth cookies; enable behind TLS.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// CookieSameSite is "lax", "strict", or "none".
	CookieSameSite string `mapstructure:"COOKIE_SAMESITE"`
	// CookieDomain is the cookie Domain attribute; empty for host-only.
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`
	// SessionCookieSecret signs the client-readable session_info cookie (HMAC-SHA256).
	SessionCookieSecret string `mapstructure:"SESSION_COOKIE_SECRET"`
	// FingerprintStrict rejects refresh rotation on a device fingerprint mismatch and revokes
	// the token family. Default false: mismatches are logged only (mobile IP churn is common).
	FingerprintStrict bool `mapstructure:"FINGERPRINT_STRICT"`
	// CORSAllowedOrigins is a comma-separated list of allowed origins.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_ISSUER", "vst-auth")
	v.SetDefault("JWT_AUDIENCE", "vst-api")
	v.SetDefault("JWT_ACCESS_TTL", "30m")
	v.SetDefault("JWT_REFRESH_TTL", "168h")          // 7d
	v.SetDefault("JWT_REFRESH_TTL_REMEMBER", "720h") // 30d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("SESSION_LIMIT", 5)
	v.SetDefault("SESSION_IDLE_RETENTION", "720h")
	v.SetDefault("EVENT_RETENTION", "2160h") // 90d
	v.SetDefault("TOKEN_GRACE", "24h")
	v.SetDefault("SWEEP_INTERVAL", "15m")
	v.SetDefault("SWEEP_BATCH", 500)
	v.SetDefault("STORAGE_TIMEOUT", "3s")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("COOKIE_SAMESITE", "lax")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("SESSION_COOKIE_SECRET", "")
	v.SetDefault("FINGERPRINT_STRICT", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.SessionLimit < 1 {
		return nil, errors.New("config: SESSION_LIMIT must be at least 1")
	}
	if cfg.Env == "production" && !cfg.CookieSecure {
		return nil, errors.New("config: COOKIE_SECURE must be true when APP_ENV=production")
	}

	return &cfg, nil
}

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// AccessTTL parses JWTAccessTTL. Returns 30m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return c.duration(c.JWTAccessTTL, 30*time.Minute) }

// RefreshTTL parses JWTRefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration { return c.duration(c.JWTRefreshTTL, 168*time.Hour) }

// RefreshTTLRemember parses JWTRefreshTTLRemember. Returns 720h if unset or invalid.
func (c *Config) RefreshTTLRemember() time.Duration {
	return c.duration(c.JWTRefreshTTLRemember, 720*time.Hour)
}

// SessionIdleRetentionDur parses SessionIdleRetention. Returns 720h if unset or invalid.
func (c *Config) SessionIdleRetentionDur() time.Duration {
	return c.duration(c.SessionIdleRetention, 720*time.Hour)
}

// EventRetentionDur parses EventRetention. Returns 2160h if unset or invalid.
func (c *Config) EventRetentionDur() time.Duration {
	return c.duration(c.EventRetention, 2160*time.Hour)
}

// TokenGraceDur parses TokenGrace. Returns 24h if unset or invalid.
func (c *Config) TokenGraceDur() time.Duration { return c.duration(c.TokenGrace, 24*time.Hour) }

// SweepIntervalDur parses SweepInterval. Returns 15m if unset or invalid.
func (c *Config) SweepIntervalDur() time.Duration {
	return c.duration(c.SweepInterval, 15*time.Minute)
}

// StorageTimeoutDur parses StorageTimeout. Returns 3s if unset or invalid.
func (c *Config) StorageTimeoutDur() time.Duration {
	return c.duration(c.StorageTimeout, 3*time.Second)
}

// SameSite maps CookieSameSite to the http.SameSite attribute. Defaults to Lax.
func (c *Config) SameSite() http.SameSite {
	switch strings.ToLower(c.CookieSameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// CORSOrigins returns the allowed origins from the comma-separated config.
func (c *Config) CORSOrigins() []string {
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
