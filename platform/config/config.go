// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int32
	GetDatabaseConnectAttempts() int
}

// SchedulerConfig provides asynq/redis settings for the scheduler process.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetScheduleFile() string
	GetSchedulerLocation() *time.Location
}

// EngineConfig provides the tunables of the attribution and action engine.
type EngineConfig interface {
	GetAttributionLookback() time.Duration
	GetPhoneRegion() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// StreamConfig provides settings for the optional Kafka event forwarder.
type StreamConfig interface {
	GetKafkaBrokers() []string
	GetKafkaTopic() string
	IsStreamEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                 string
	HTTPAddr            string
	DatabaseURL         string
	DatabaseMaxConns    int32
	DatabaseAttempts    int
	JWTAccessSecret     string
	CORSAllowAll        bool
	CORSOrigins         []string
	RedisURL            string
	RedisTLSInsecure    bool
	AsynqQueueName      string
	AsynqConcurrency    int
	ScheduleFile        string
	SchedulerTimezone   string
	AttributionLookback time.Duration
	PhoneRegion         string
	KafkaBrokers        []string
	KafkaTopic          string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string          { return c.DatabaseURL }
func (c *Config) GetDatabaseMaxConns() int32      { return c.DatabaseMaxConns }
func (c *Config) GetDatabaseConnectAttempts() int { return c.DatabaseAttempts }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string        { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool  { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string  { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int   { return c.AsynqConcurrency }
func (c *Config) GetScheduleFile() string    { return c.ScheduleFile }
func (c *Config) GetSchedulerLocation() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EngineConfig implementation
func (c *Config) GetAttributionLookback() time.Duration { return c.AttributionLookback }
func (c *Config) GetPhoneRegion() string                { return c.PhoneRegion }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// StreamConfig implementation
func (c *Config) GetKafkaBrokers() []string { return c.KafkaBrokers }
func (c *Config) GetKafkaTopic() string     { return c.KafkaTopic }
func (c *Config) IsStreamEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                 getEnv("APP_ENV", "development"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    int32(mustInt(getEnv("DB_MAX_CONNS", "15"))),
		DatabaseAttempts:    mustInt(getEnv("DB_CONNECT_ATTEMPTS", "5")),
		JWTAccessSecret:     getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:        corsAllowAll,
		CORSOrigins:         corsOrigins,
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisTLSInsecure:    strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:      getEnv("ASYNQ_QUEUE", "engine"),
		AsynqConcurrency:    mustInt(getEnv("ASYNQ_CONCURRENCY", "5")),
		ScheduleFile:        getEnv("SCHEDULE_FILE", ""),
		SchedulerTimezone:   getEnv("SCHEDULER_TIMEZONE", "UTC"),
		AttributionLookback: mustDuration(getEnv("ATTRIBUTION_LOOKBACK", "720h")),
		PhoneRegion:         strings.ToUpper(getEnv("PHONE_REGION", "AU")),
		KafkaBrokers:        splitCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "clinic-engine.events"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DatabaseMaxConns < 2 {
		return nil, fmt.Errorf("DB_MAX_CONNS must be at least 2")
	}
	if cfg.DatabaseAttempts < 1 {
		return nil, fmt.Errorf("DB_CONNECT_ATTEMPTS must be at least 1")
	}
	if cfg.AttributionLookback <= 0 {
		return nil, fmt.Errorf("ATTRIBUTION_LOOKBACK must be a positive duration")
	}

	return cfg, nil
}

// RequireJWT validates the settings only the HTTP API needs.
func (c *Config) RequireJWT() error {
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
