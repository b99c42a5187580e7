package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Database
	DatabaseURL        string
	MigrationsFailFast bool

	// Security
	EncryptionKey string
	JWTSecret     string
	StaticToken   string

	// Admin
	AdminUsername string
	AdminPassword string

	// Identity service
	AuthBaseURL      string
	OAuthClientID    string
	OAuthRedirectURI string
	OAuthScope       string
	OAuthTimeout     time.Duration

	// Upstream API
	UpstreamAPIURL   string
	UsageAPIURL      string
	UpstreamTimeout  time.Duration
	MaxRequestBodyMB int

	// Usage sampling
	UsageRefreshEnabled  bool
	UsageRefreshInterval time.Duration

	// Balancer
	TokenRefreshTTL time.Duration
	RetryBudget     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		DatabaseURL:        envOr("DATABASE_URL", "data/codexpool.db"),
		MigrationsFailFast: envBool("DATABASE_MIGRATIONS_FAIL_FAST", true),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		StaticToken:   os.Getenv("STATIC_TOKEN"),

		AdminUsername: envOr("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		AuthBaseURL:      envOr("AUTH_BASE_URL", "https://auth.openai.com"),
		OAuthClientID:    envOr("OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
		OAuthRedirectURI: envOr("OAUTH_REDIRECT_URI", "http://localhost:1455/auth/callback"),
		OAuthScope:       envOr("OAUTH_SCOPE", "openid profile email offline_access"),
		OAuthTimeout:     envSeconds("OAUTH_TIMEOUT_SECONDS", 30*time.Second),

		UpstreamAPIURL:   envOr("UPSTREAM_API_URL", "https://chatgpt.com/backend-api/codex/responses"),
		UsageAPIURL:      envOr("USAGE_API_URL", "https://chatgpt.com/backend-api/codex/usage"),
		UpstreamTimeout:  envSeconds("UPSTREAM_TIMEOUT_SECONDS", 300*time.Second),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),

		UsageRefreshEnabled:  envBool("USAGE_REFRESH_ENABLED", true),
		UsageRefreshInterval: envSeconds("USAGE_REFRESH_INTERVAL_SECONDS", 300*time.Second),

		TokenRefreshTTL: envSeconds("TOKEN_REFRESH_TTL_SECONDS", 1800*time.Second),
		RetryBudget:     envInt("BALANCER_RETRY_BUDGET", 3),
		BackoffBase:     envDuration("BACKOFF_BASE_MS", 200*time.Millisecond),
		BackoffCap:      envSeconds("BACKOFF_CAP_SECONDS", 180*time.Second),

		LogLevel: envOr("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.JWTSecret == "" {
		return errMissing("JWT_SECRET")
	}
	if c.AdminPassword == "" {
		return errMissing("ADMIN_PASSWORD")
	}
	if c.StaticToken == "" {
		return errMissing("STATIC_TOKEN")
	}
	if c.RetryBudget < 1 {
		return &configError{field: "BALANCER_RETRY_BUDGET", reason: "must be >= 1"}
	}
	return nil
}

type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	if e.reason != "" {
		return "invalid env " + e.field + ": " + e.reason
	}
	return "missing required env: " + e.field
}
func errMissing(f string) error { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			return time.Duration(s) * time.Second
		}
	}
	return fallback
}
