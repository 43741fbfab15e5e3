// Package config loads consoleguard settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends accepted by STORE_BACKEND.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all validated configuration for the consoleguard gateway.
type Config struct {
	// ListenAddr is where the gateway listens, ":3000" by default.
	ListenAddr string

	// BackendURL is the console backend the guard proxies admitted requests to.
	BackendURL *url.URL

	// TrustProxy takes the client IP from X-Forwarded-For. Only enable it
	// behind a load balancer that overwrites the header.
	TrustProxy bool

	// AdminAPIToken is the static credential for /api/policies, /api/stats
	// and /api/buckets.
	// Administrator JWTs are accepted as well when JWTSecret is set.
	AdminAPIToken string

	// JWTSecret verifies HS256 bearer tokens. Empty disables user identity,
	// so user-scoped policies fall back to the client IP.
	JWTSecret string

	// JWTIssuer, when set, must match the token's iss claim.
	JWTIssuer string

	// EnforceRoles rejects verified callers whose role may not reach the
	// requested console section with 403.
	EnforceRoles bool

	// StoreBackend selects the shared bucket store: redis, postgres or memory.
	StoreBackend string

	// RedisAddr is host:port of the shared Redis.
	RedisAddr string

	// RedisPassword authenticates against Redis.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int

	// DatabaseURL is the PostgreSQL connection string for policies, analytics
	// and the postgres bucket store. Empty disables all three.
	DatabaseURL string

	// RateLimitRequests is the quota of the default global policy.
	RateLimitRequests int64

	// RateLimitWindow is the fixed window of the default global policy.
	RateLimitWindow time.Duration

	// FailOpen admits requests when the bucket store is unavailable.
	// The default is to answer 500.
	FailOpen bool

	// AllowedOrigins lists browser origins allowed to call the management API
	// and open the stats stream. Empty disables CORS headers.
	AllowedOrigins []string

	// LogLevel is debug, info, warn or error.
	LogLevel string

	// LogFormat selects the log handler: text (colored) or json.
	LogFormat string
}

// Load reads a .env file when present, then configuration from environment
// variables, applies defaults, and validates all required values. Variables
// already set in the environment win over the .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	return FromEnv()
}

// FromEnv builds a Config from the process environment only. Malformed
// numbers, booleans or URLs are errors rather than silently defaulted.
func FromEnv() (*Config, error) {
	var env envReader

	cfg := &Config{
		ListenAddr:        env.str("LISTEN_ADDR", ":3000"),
		BackendURL:        env.url("BACKEND_URL", "http://localhost:8080"),
		TrustProxy:        env.boolean("TRUST_PROXY", false),
		AdminAPIToken:     env.str("ADMIN_API_TOKEN", ""),
		JWTSecret:         env.str("JWT_SECRET", ""),
		JWTIssuer:         env.str("JWT_ISSUER", ""),
		EnforceRoles:      env.boolean("ENFORCE_ROLES", false),
		StoreBackend:      strings.ToLower(env.str("STORE_BACKEND", StoreRedis)),
		RedisAddr:         env.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     env.str("REDIS_PASSWORD", ""),
		RedisDB:           int(env.integer("REDIS_DB", 0)),
		DatabaseURL:       env.str("DATABASE_URL", ""),
		RateLimitRequests: env.integer("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(env.integer("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		FailOpen:          env.boolean("FAIL_OPEN", false),
		AllowedOrigins:    env.list("ALLOWED_ORIGINS"),
		LogLevel:          strings.ToLower(env.str("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(env.str("LOG_FORMAT", "text")),
	}
	if err := env.err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent or unsafe setting.
func (c *Config) Validate() error {
	if c.BackendURL == nil || c.BackendURL.Host == "" {
		return errors.New("config: BACKEND_URL must be an absolute URL with a host")
	}
	if c.BackendURL.Scheme != "http" && c.BackendURL.Scheme != "https" {
		return fmt.Errorf("config: BACKEND_URL scheme must be http or https, got %q", c.BackendURL.Scheme)
	}

	switch c.StoreBackend {
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("config: STORE_BACKEND=redis needs REDIS_ADDR")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: STORE_BACKEND=postgres needs DATABASE_URL")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q (want redis, postgres or memory)", c.StoreBackend)
	}

	switch {
	case c.RedisDB < 0:
		return errors.New("config: REDIS_DB cannot be negative")
	case c.RateLimitRequests <= 0:
		return errors.New("config: RATE_LIMIT_REQUESTS must be positive")
	case c.RateLimitWindow < time.Second:
		return errors.New("config: RATE_LIMIT_WINDOW_SECONDS must be positive")
	case c.AdminAPIToken == placeholderSecret, c.JWTSecret == placeholderSecret:
		return fmt.Errorf("config: replace the %q placeholder in ADMIN_API_TOKEN / JWT_SECRET", placeholderSecret)
	case c.EnforceRoles && c.JWTSecret == "":
		return errors.New("config: ENFORCE_ROLES needs JWT_SECRET")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LOG_LEVEL %q", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: unknown LOG_FORMAT %q (want text or json)", c.LogFormat)
	}

	return nil
}

// placeholderSecret is the value shipped in .env.example.
const placeholderSecret = "change-me"

// envReader reads typed variables and remembers every malformed one.
type envReader struct {
	errs []error
}

func (e *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) boolean(key string, fallback bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not a boolean", key, raw))
		return fallback
	}
	return v
}

func (e *envReader) integer(key string, fallback int64) int64 {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not an integer", key, raw))
		return fallback
	}
	return v
}

func (e *envReader) url(key, fallback string) *url.URL {
	raw := e.str(key, fallback)
	u, err := url.Parse(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return nil
	}
	return u
}

// list splits a comma-separated variable, dropping empty entries.
func (e *envReader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(e.str(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
