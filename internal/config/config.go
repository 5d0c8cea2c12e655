// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// Postgres is the only hard requirement: channels, tokens, quota, and usage
// logs all live there. Redis powers distributed rate limiting and registry
// invalidation and ClickHouse mirrors usage logs for analytics; both degrade
// gracefully when absent.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Database holds the Postgres connection configuration. Required.
	Database DatabaseConfig

	// Redis holds the connection URL for the distributed rate limiter and the
	// channel-registry invalidation bus. Optional: when empty the rate limiter
	// is disabled and registry refreshes rely on the periodic reload ticker.
	Redis RedisConfig

	// ClickHouse mirrors usage logs for analytics. Optional.
	ClickHouse ClickHouseConfig

	// Upstream controls outbound HTTP behaviour toward provider channels.
	Upstream UpstreamConfig

	// Registry controls channel snapshot refresh behaviour.
	Registry RegistryConfig

	// CircuitBreaker controls per-channel failure tracking and probing.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-user request-rate limiting.
	RateLimit RateLimitConfig

	// Billing controls the asynchronous usage-commit queue.
	Billing BillingConfig

	// SemanticCache controls embedding-based response caching for chat requests.
	SemanticCache SemanticCacheConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	// URL is a postgres:// connection string. Required.
	URL string

	// MaxOpenConns caps the connection pool size. Default: 20.
	MaxOpenConns int

	// MaxIdleConns caps idle pooled connections. Default: 5.
	MaxIdleConns int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink configuration.
type ClickHouseConfig struct {
	// Addr is the ClickHouse native-protocol address, e.g. "localhost:9000".
	// Empty disables the analytics mirror.
	Addr string

	// Database is the target database name. Default: "default".
	Database string

	Username string
	Password string
}

// UpstreamConfig controls outbound requests to provider channels.
type UpstreamConfig struct {
	// Timeout is the per-attempt HTTP timeout for non-streaming requests.
	// Default: 120s. Streaming responses are exempt once headers arrive.
	Timeout time.Duration

	// ConnectTimeout bounds dialing and TLS handshake. Default: 10s.
	ConnectTimeout time.Duration
}

// RegistryConfig controls the in-memory channel snapshot.
type RegistryConfig struct {
	// ReloadInterval is how often the snapshot is refreshed from Postgres even
	// without an invalidation event. Default: 60s.
	ReloadInterval time.Duration
}

// CircuitBreakerConfig controls per-channel circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive qualifying failures that
	// auto-disable a channel. Default: 3.
	FailureThreshold int

	// ProbeInterval is how often auto-disabled channels are probed for
	// recovery. Default: 60s.
	ProbeInterval time.Duration

	// ProbeTimeout bounds each recovery probe request. Default: 5s.
	ProbeTimeout time.Duration
}

// RateLimitConfig controls per-user request-rate limiting.
type RateLimitConfig struct {
	// RequestLimit is the maximum requests per user per window.
	// 0 disables rate limiting. Default: 300.
	RequestLimit int

	// Window is the fixed-window length. Default: 60s.
	Window time.Duration
}

// BillingConfig controls the asynchronous billing queue.
type BillingConfig struct {
	// FlushInterval is how often queued usage records are committed.
	// Default: 1s.
	FlushInterval time.Duration

	// LowBalanceThreshold triggers a notification when a user's remaining
	// quota drops below it after a commit. 0 disables. Default: 5000.
	LowBalanceThreshold int64

	// LogRetention is how long usage logs are kept before the daily sweep
	// deletes them. 0 disables the sweep. Default: 2160h (90 days).
	LogRetention time.Duration
}

// SemanticCacheConfig controls embedding-based chat response caching.
type SemanticCacheConfig struct {
	// Enabled turns the semantic cache on. Default: false.
	Enabled bool

	// SimilarityThreshold is the minimum cosine similarity for a cache hit.
	// Default: 0.85.
	SimilarityThreshold float64

	// TTL is how long cached entries stay eligible. Default: 24h.
	TTL time.Duration

	// EmbeddingModel is the model used to embed prompts. Default:
	// "text-embedding-3-small".
	EmbeddingModel string

	// EmbeddingAPIKey authenticates the embedding requests. Empty borrows
	// credentials from an enabled channel that serves EmbeddingModel; the
	// cache stays off when neither is available.
	EmbeddingAPIKey string

	// EmbeddingBaseURL overrides the embedding endpoint. Empty uses the
	// OpenAI default.
	EmbeddingBaseURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// DATABASE_URL is the only required setting.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Database pool defaults.
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	// ClickHouse defaults.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	// Upstream defaults.
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")
	v.SetDefault("UPSTREAM_CONNECT_TIMEOUT", "10s")

	// Registry defaults.
	v.SetDefault("REGISTRY_RELOAD_INTERVAL", "60s")

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_PROBE_INTERVAL", "60s")
	v.SetDefault("CB_PROBE_TIMEOUT", "5s")

	// Rate limit defaults.
	v.SetDefault("RATE_LIMIT_REQUESTS", 300)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")

	// Billing defaults.
	v.SetDefault("BILLING_FLUSH_INTERVAL", "1s")
	v.SetDefault("BILLING_LOW_BALANCE_THRESHOLD", 5000)
	v.SetDefault("LOG_RETENTION", "2160h")

	// Semantic cache defaults.
	v.SetDefault("SEMANTIC_CACHE_ENABLED", false)
	v.SetDefault("SEMANTIC_CACHE_THRESHOLD", 0.85)
	v.SetDefault("SEMANTIC_CACHE_TTL", "24h")
	v.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{
			URL:          v.GetString("DATABASE_URL"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Upstream: UpstreamConfig{
			Timeout:        v.GetDuration("UPSTREAM_TIMEOUT"),
			ConnectTimeout: v.GetDuration("UPSTREAM_CONNECT_TIMEOUT"),
		},

		Registry: RegistryConfig{
			ReloadInterval: v.GetDuration("REGISTRY_RELOAD_INTERVAL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			ProbeInterval:    v.GetDuration("CB_PROBE_INTERVAL"),
			ProbeTimeout:     v.GetDuration("CB_PROBE_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RequestLimit: v.GetInt("RATE_LIMIT_REQUESTS"),
			Window:       v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		Billing: BillingConfig{
			FlushInterval:       v.GetDuration("BILLING_FLUSH_INTERVAL"),
			LowBalanceThreshold: v.GetInt64("BILLING_LOW_BALANCE_THRESHOLD"),
			LogRetention:        v.GetDuration("LOG_RETENTION"),
		},

		SemanticCache: SemanticCacheConfig{
			Enabled:             v.GetBool("SEMANTIC_CACHE_ENABLED"),
			SimilarityThreshold: v.GetFloat64("SEMANTIC_CACHE_THRESHOLD"),
			TTL:                 v.GetDuration("SEMANTIC_CACHE_TTL"),
			EmbeddingModel:      v.GetString("EMBEDDING_MODEL"),
			EmbeddingAPIKey:     v.GetString("EMBEDDING_API_KEY"),
			EmbeddingBaseURL:    v.GetString("EMBEDDING_BASE_URL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ProbeInterval <= 0 {
		return fmt.Errorf("config: CB_PROBE_INTERVAL must be a positive duration")
	}
	if c.CircuitBreaker.ProbeTimeout <= 0 {
		return fmt.Errorf("config: CB_PROBE_TIMEOUT must be a positive duration")
	}

	// Rate limit sanity checks. 0 disables; negatives are config errors.
	if c.RateLimit.RequestLimit < 0 {
		return fmt.Errorf("config: RATE_LIMIT_REQUESTS must be ≥ 0, got %d", c.RateLimit.RequestLimit)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}

	if c.Billing.FlushInterval <= 0 {
		return fmt.Errorf("config: BILLING_FLUSH_INTERVAL must be a positive duration")
	}

	if c.SemanticCache.SimilarityThreshold <= 0 || c.SemanticCache.SimilarityThreshold > 1 {
		return fmt.Errorf(
			"config: SEMANTIC_CACHE_THRESHOLD must be in (0, 1], got %v",
			c.SemanticCache.SimilarityThreshold,
		)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
