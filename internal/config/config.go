package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port                     string
	DatabaseURL              string
	StoreDriver              string
	HoldingsEnabled          bool
	HoldingTTL               time.Duration
	SessionIdleTimeout       time.Duration
	HoldingSweepSchedule     string
	SessionSweepSchedule     string
	DeferredLast             bool
	RedisURL                 string
	EventsChannel            string
	RateLimitPerMinute       int
	RateLimitBurst           int
	WorkerRateLimitPerMinute int
	WorkerRateLimitBurst     int
	LogLevel                 string
	LogFormat                string
}

// Load reads configuration from the environment. Values from a .env file in
// the working directory fill in keys the environment leaves unset.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		StoreDriver:              readString("STORE_DRIVER", DriverPostgres),
		HoldingsEnabled:          readBool("HOLDINGS_ENABLED", true),
		HoldingTTL:               readDurationSeconds("HOLDING_TTL_SECONDS", 300),
		SessionIdleTimeout:       readDurationSeconds("SESSION_IDLE_TIMEOUT_SECONDS", 1200),
		HoldingSweepSchedule:     readString("HOLDING_SWEEP_SCHEDULE", "@every 30s"),
		SessionSweepSchedule:     readString("SESSION_SWEEP_SCHEDULE", "@every 1m"),
		DeferredLast:             readBool("QUEUE_DEFERRED_LAST", true),
		RedisURL:                 os.Getenv("REDIS_URL"),
		EventsChannel:            readString("EVENTS_CHANNEL", "sampling-queue.events"),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		WorkerRateLimitPerMinute: readInt("WORKER_RATE_LIMIT_PER_MIN", 600),
		WorkerRateLimitBurst:     readInt("WORKER_RATE_LIMIT_BURST", 120),
		LogLevel:                 readString("LOG_LEVEL", "info"),
		LogFormat:                readString("LOG_FORMAT", "text"),
	}
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
