package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	AdminJWTSecret string

	// PMS API
	PMSSandboxBaseURL    string
	PMSProductionBaseURL string
	PMSRequestTimeout    time.Duration
	PMSPageSize          int
	PMSMaxRetries        int
	PMSRetryBaseDelay    time.Duration

	// Sync engine
	SyncConcurrency     int
	SyncLockTTL         time.Duration
	SyncInitialLookback time.Duration

	// Health monitor
	HealthDownThreshold int

	// Idempotent writer
	WriterConcurrency   int
	WriterRatePerSecond float64

	// Outbox relay
	OutboxRelayInterval time.Duration
	EventsChannel       string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		PMSSandboxBaseURL:    strings.TrimRight(getEnv("PMS_SANDBOX_BASE_URL", "https://sandbox.pms-api.local"), "/"),
		PMSProductionBaseURL: strings.TrimRight(getEnv("PMS_PRODUCTION_BASE_URL", "https://api.pms-api.local"), "/"),
		PMSRequestTimeout:    getEnvAsDuration("PMS_REQUEST_TIMEOUT", 15*time.Second),
		PMSPageSize:          getEnvAsInt("PMS_PAGE_SIZE", 100),
		PMSMaxRetries:        getEnvAsInt("PMS_MAX_RETRIES", 3),
		PMSRetryBaseDelay:    getEnvAsDuration("PMS_RETRY_BASE_DELAY", 500*time.Millisecond),

		SyncConcurrency:     getEnvAsInt("SYNC_CONCURRENCY", 4),
		SyncLockTTL:         getEnvAsDuration("SYNC_LOCK_TTL", 10*time.Minute),
		SyncInitialLookback: getEnvAsDuration("SYNC_INITIAL_LOOKBACK", 30*24*time.Hour),

		HealthDownThreshold: getEnvAsInt("HEALTH_DOWN_THRESHOLD", 3),

		WriterConcurrency:   getEnvAsInt("WRITER_CONCURRENCY", 3),
		WriterRatePerSecond: getEnvAsFloat("WRITER_RATE_PER_SECOND", 5),

		OutboxRelayInterval: getEnvAsDuration("OUTBOX_RELAY_INTERVAL", 2*time.Second),
		EventsChannel:       getEnv("EVENTS_CHANNEL", "pms-events"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
