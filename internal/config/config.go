// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - REDIS_URL: Redis connection string for the flag cache; when empty the
//     cache is disabled and every read goes to PostgreSQL.
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - CACHE_TTL: time-to-live for cached flags (default "1m", must be > 0
//     if set).
//   - LOG_LEVEL: slog level name (default "info").
//   - RATE_LIMIT_PER_MINUTE: per-IP request budget for the evaluation
//     endpoints (default "300", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultCacheTTL                 = time.Minute
	defaultRateLimitPerMinute       = 300
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the feature flag server.
type Config struct {
	DatabaseURL        string
	RedisURL           string
	HTTPAddr           string
	CacheTTL           time.Duration
	LogLevel           string
	RateLimitPerMinute int
	MaxJSONBodySize    int64
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing
// or if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	cacheTTL := defaultCacheTTL
	if value := strings.TrimSpace(os.Getenv("CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_TTL must be > 0")
		}
		cacheTTL = parsed
	}

	rateLimitPerMinute := defaultRateLimitPerMinute
	if value := strings.TrimSpace(os.Getenv("RATE_LIMIT_PER_MINUTE")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse RATE_LIMIT_PER_MINUTE: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("RATE_LIMIT_PER_MINUTE must be > 0")
		}
		rateLimitPerMinute = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:        databaseURL,
		RedisURL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		HTTPAddr:           envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		CacheTTL:           cacheTTL,
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		RateLimitPerMinute: rateLimitPerMinute,
		MaxJSONBodySize:    maxJSONBodySize,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
