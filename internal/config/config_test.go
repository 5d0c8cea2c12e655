package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",
		Database: DatabaseConfig{URL: "postgres://localhost/gateway"},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			ProbeInterval:    time.Minute,
			ProbeTimeout:     5 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestLimit: 300, Window: time.Minute},
		Billing:   BillingConfig{FlushInterval: time.Second},
		SemanticCache: SemanticCacheConfig{
			SimilarityThreshold: 0.85,
			TTL:                 24 * time.Hour,
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("validate() = %v, want nil", err)
	}
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = ""
	err := cfg.validate()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("validate() = %v, want DATABASE_URL error", err)
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	if cfg.validate() == nil {
		t.Fatal("validate() accepted LOG_LEVEL=verbose")
	}
}

// The cache can run without its own embedding key: startup borrows
// credentials from an embedding-capable channel instead.
func TestValidateAllowsSemanticCacheWithoutEmbeddingKey(t *testing.T) {
	cfg := validConfig()
	cfg.SemanticCache.Enabled = true
	cfg.SemanticCache.EmbeddingAPIKey = ""
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() = %v, want nil for enabled cache without key", err)
	}
}

func TestValidateRejectsSimilarityThresholdOutOfRange(t *testing.T) {
	for _, v := range []float64{0, -0.1, 1.5} {
		cfg := validConfig()
		cfg.SemanticCache.SimilarityThreshold = v
		if cfg.validate() == nil {
			t.Errorf("validate() accepted SEMANTIC_CACHE_THRESHOLD=%v", v)
		}
	}
}
