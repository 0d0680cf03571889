// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults, following the gateway's server/auth/batching/cache/breaker
// surface plus the supplemented per-IP rate limiting and audit log knobs.
// For a complete list of recognized environment variables, see .env.example.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/mcp-gateway/internal/auth"
	"github.com/ashureev/mcp-gateway/internal/batcher"
	"github.com/ashureev/mcp-gateway/internal/breaker"
	"github.com/ashureev/mcp-gateway/internal/cache"
	"github.com/ashureev/mcp-gateway/internal/ratelimit"
	"github.com/ashureev/mcp-gateway/internal/transport"
	"github.com/ashureev/mcp-gateway/internal/validate"
)

// AuditLogConfig controls the durable SQLite-backed audit trail.
type AuditLogConfig struct {
	Enabled        bool
	Path           string
	SampleInterval time.Duration
}

// DeviceAdapterConfig points at the out-of-scope Bluetooth adapter sidecar.
type DeviceAdapterConfig struct {
	Enabled bool
	Addr    string
	Timeout time.Duration
}

// Config holds every knob the gateway's components read at startup.
type Config struct {
	Server         transport.Config
	Auth           auth.Config
	Batching       batcher.Config
	Cache          cache.Config
	CircuitBreaker breaker.Config
	Schema         validate.Config
	IPGate         ratelimit.IPGateConfig
	AuditLog       AuditLogConfig
	DeviceAdapter  DeviceAdapterConfig
	AllowedOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Server: transport.Config{
			Port:                getEnvInt("MCP_PORT", 8080),
			MaxConnections:      getEnvInt("MCP_MAX_CONNECTIONS", 1000),
			MaxMessageSize:      getEnvInt64("MCP_MAX_MESSAGE_SIZE", 64*1024),
			HandlerTimeout:      getEnvDuration("MCP_HANDLER_TIMEOUT", 5*time.Second),
			RateLimitCloseDelay: getEnvDuration("MCP_RATE_LIMIT_CLOSE_DELAY", 200*time.Millisecond),
		},
		Auth: auth.Config{
			Enabled:         getEnvBool("MCP_AUTH_ENABLED", true),
			APIKeys:         getEnvList("MCP_AUTH_API_KEYS", nil),
			SessionDuration: getEnvDuration("MCP_AUTH_SESSION_DURATION", time.Hour),
			RateLimit: auth.RateLimitConfig{
				WindowMs:    getEnvDuration("MCP_AUTH_RATE_WINDOW", time.Minute),
				MaxRequests: getEnvInt("MCP_AUTH_RATE_MAX_REQUESTS", 60),
			},
			KeyRotationInterval: getEnvDuration("MCP_AUTH_KEY_ROTATION_INTERVAL", 24*time.Hour),
			MaxKeyAge:           getEnvDuration("MCP_AUTH_MAX_KEY_AGE", 30*24*time.Hour),
			MaxKeys:             getEnvInt("MCP_AUTH_MAX_KEYS", 3),
			RotationCheckPeriod: getEnvDuration("MCP_AUTH_ROTATION_CHECK_PERIOD", time.Hour),
			ReplayWindow:        getEnvDuration("MCP_AUTH_REPLAY_WINDOW", 5*time.Second),
		},
		Batching: batcher.Config{
			Enabled:      getEnvBool("MCP_BATCH_ENABLED", true),
			BatchSize:    getEnvInt("MCP_BATCH_SIZE", 20),
			BatchTimeout: getEnvDuration("MCP_BATCH_TIMEOUT", 100*time.Millisecond),
			Timeouts: map[batcher.Priority]time.Duration{
				batcher.PriorityHigh:   getEnvDuration("MCP_BATCH_TIMEOUT_HIGH", 50*time.Millisecond),
				batcher.PriorityMedium: getEnvDuration("MCP_BATCH_TIMEOUT_MEDIUM", 100*time.Millisecond),
				batcher.PriorityLow:    getEnvDuration("MCP_BATCH_TIMEOUT_LOW", 200*time.Millisecond),
			},
			Compression: batcher.CompressionConfig{
				Enabled: getEnvBool("MCP_BATCH_COMPRESSION_ENABLED", true),
				MinSize: getEnvInt("MCP_BATCH_COMPRESSION_MIN_SIZE", 1024),
				Level:   getEnvInt("MCP_BATCH_COMPRESSION_LEVEL", 6),
				PriorityThresholds: map[batcher.Priority]int{
					batcher.PriorityHigh:   getEnvInt("MCP_BATCH_THRESHOLD_HIGH", 4096),
					batcher.PriorityMedium: getEnvInt("MCP_BATCH_THRESHOLD_MEDIUM", 2048),
					batcher.PriorityLow:    getEnvInt("MCP_BATCH_THRESHOLD_LOW", 1024),
				},
			},
			Analytics: batcher.AnalyticsConfig{
				Enabled:  getEnvBool("MCP_BATCH_ANALYTICS_ENABLED", true),
				Interval: getEnvDuration("MCP_BATCH_ANALYTICS_INTERVAL", 30*time.Second),
			},
		},
		Cache: cache.Config{
			TTL: cache.TTLConfig{
				Enabled: getEnvBool("MCP_CACHE_TTL_ENABLED", true),
				Default: getEnvDuration("MCP_CACHE_TTL_DEFAULT", 5*time.Minute),
				PriorityTTLs: map[cache.Priority]time.Duration{
					cache.PriorityCritical: getEnvDuration("MCP_CACHE_TTL_CRITICAL", 30*time.Minute),
					cache.PriorityHigh:     getEnvDuration("MCP_CACHE_TTL_HIGH", 15*time.Minute),
					cache.PriorityMedium:   getEnvDuration("MCP_CACHE_TTL_MEDIUM", 5*time.Minute),
					cache.PriorityLow:      getEnvDuration("MCP_CACHE_TTL_LOW", time.Minute),
				},
			},
			Invalidation: cache.InvalidationConfig{
				MaxAge:      getEnvDuration("MCP_CACHE_MAX_AGE", 30*time.Minute),
				MaxSize:     getEnvInt("MCP_CACHE_MAX_SIZE", 10000),
				CheckPeriod: getEnvDuration("MCP_CACHE_CHECK_PERIOD", time.Minute),
			},
			Memory: cache.MemoryConfig{
				Enabled:            getEnvBool("MCP_CACHE_MEMORY_ENABLED", true),
				CheckInterval:      getEnvDuration("MCP_CACHE_MEMORY_CHECK_INTERVAL", 30*time.Second),
				WarningThresholdMB: uint64(getEnvInt64("MCP_CACHE_MEMORY_WARNING_MB", 512)),
				MaxMemoryMB:        uint64(getEnvInt64("MCP_CACHE_MEMORY_MAX_MB", 768)),
			},
			HitRatio: cache.HitRatioConfig{
				Enabled:    getEnvBool("MCP_CACHE_HIT_RATIO_ENABLED", true),
				WindowSize: getEnvInt("MCP_CACHE_HIT_RATIO_WINDOW", 1000),
			},
			Compression: cache.CompressionConfig{
				Enabled:   getEnvBool("MCP_CACHE_COMPRESSION_ENABLED", false),
				MinSize:   getEnvInt("MCP_CACHE_COMPRESSION_MIN_SIZE", 1024),
				Level:     getEnvInt("MCP_CACHE_COMPRESSION_LEVEL", 6),
				Algorithm: cache.Algorithm(getEnv("MCP_CACHE_COMPRESSION_ALGORITHM", string(cache.AlgorithmGzip))),
			},
		},
		CircuitBreaker: breaker.Config{
			FailureThreshold: getEnvInt("MCP_BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvDuration("MCP_BREAKER_RESET_TIMEOUT", 30*time.Second),
			HalfOpenLimit:    getEnvInt("MCP_BREAKER_HALF_OPEN_LIMIT", 1),
		},
		Schema: validate.Config{
			SchemaCacheSize:     getEnvInt("MCP_VALIDATE_SCHEMA_CACHE_SIZE", 64),
			ValidationCacheSize: getEnvInt("MCP_VALIDATE_VALIDATION_CACHE_SIZE", 4096),
		},
		IPGate: ratelimit.IPGateConfig{
			Enabled:           getEnvBool("MCP_IPGATE_ENABLED", true),
			RequestsPerSecond: getEnvFloat("MCP_IPGATE_REQUESTS_PER_SECOND", 5),
			Burst:             getEnvInt("MCP_IPGATE_BURST", 10),
			IdleEvictAfter:    getEnvDuration("MCP_IPGATE_IDLE_EVICT_AFTER", 10*time.Minute),
		},
		AuditLog: AuditLogConfig{
			Enabled:        getEnvBool("MCP_AUDITLOG_ENABLED", true),
			Path:           getEnv("MCP_AUDITLOG_PATH", "./data/audit.db"),
			SampleInterval: getEnvDuration("MCP_AUDITLOG_SAMPLE_INTERVAL", time.Minute),
		},
		DeviceAdapter: DeviceAdapterConfig{
			Enabled: getEnvBool("MCP_DEVICE_ADAPTER_ENABLED", false),
			Addr:    getEnv("MCP_DEVICE_ADAPTER_ADDR", "localhost:7070"),
			Timeout: getEnvDuration("MCP_DEVICE_ADAPTER_TIMEOUT", 5*time.Second),
		},
		AllowedOrigins: getEnvList("MCP_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("MCP_PORT must be in 1..65535")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("MCP_MAX_CONNECTIONS must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("MCP_AUTH_API_KEYS must be set when auth is enabled")
	}
	if c.AuditLog.Enabled && c.AuditLog.Path == "" {
		return fmt.Errorf("MCP_AUDITLOG_PATH cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
