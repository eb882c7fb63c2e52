// Package config loads AgentFS configuration from environment variables,
// in the getEnv/getEnvInt/getEnvBool helper style common across the pack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting this service reads.
type Config struct {
	Port     string
	NodeEnv  string
	TrustProxy bool

	DatabaseURL string
	RedisURL    string

	EnableMetrics bool
	MetricsToken  string

	AdminBootstrapToken string

	WriteQuotaPerDay        int64
	EmbedTokensQuotaPerDay  int64
	SearchQuotaPerDay       int64
	SearchRateLimitPerMin   int
	RateLimitRequestsPerMin int
	PreauthRateLimitPerMin  int

	OpenAIAPIKey    string
	OpenAIEmbedModel string

	MaxEmbedAttempts int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
}

// Load reads configuration from the environment, applying spec-mandated
// defaults, and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		NodeEnv:    getEnv("NODE_ENV", "development"),
		TrustProxy: getEnvBool("TRUST_PROXY", false),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		EnableMetrics: getEnvBool("ENABLE_METRICS", false),
		MetricsToken:  os.Getenv("METRICS_TOKEN"),

		AdminBootstrapToken: os.Getenv("ADMIN_BOOTSTRAP_TOKEN"),

		WriteQuotaPerDay:        getEnvInt64("WRITE_QUOTA_PER_DAY", 10000),
		EmbedTokensQuotaPerDay:  getEnvInt64("EMBED_TOKENS_QUOTA_PER_DAY", 1000000),
		SearchQuotaPerDay:       getEnvInt64("SEARCH_QUOTA_PER_DAY", 5000),
		SearchRateLimitPerMin:   getEnvInt("SEARCH_RATE_LIMIT_PER_MINUTE", 60),
		RateLimitRequestsPerMin: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
		PreauthRateLimitPerMin:  getEnvInt("PREAUTH_RATE_LIMIT_PER_MINUTE", 300),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIEmbedModel: getEnv("OPENAI_EMBED_MODEL", "text-embedding-3-small"),

		MaxEmbedAttempts: getEnvInt("MAX_EMBED_ATTEMPTS", 5),

		HTTPReadTimeout:  30 * time.Second,
		HTTPWriteTimeout: 60 * time.Second,
	}
	return cfg, cfg.Validate()
}

// Validate rejects nonsensical configuration before the server starts.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WriteQuotaPerDay <= 0 {
		return fmt.Errorf("WRITE_QUOTA_PER_DAY must be positive, got %d", c.WriteQuotaPerDay)
	}
	if c.MaxEmbedAttempts <= 0 {
		return fmt.Errorf("MAX_EMBED_ATTEMPTS must be positive, got %d", c.MaxEmbedAttempts)
	}
	if c.EnableMetrics && c.MetricsToken == "" {
		return fmt.Errorf("METRICS_TOKEN is required when ENABLE_METRICS=true")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.NodeEnv == "production" }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
