package common

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Queue names shared between the api, the workers and the aggregator.
const (
	PaymentsQueue     = "payments"
	BulkPaymentsQueue = "bulk-payments"
)

// Config holds everything loaded at startup. Immutable afterwards.
type Config struct {
	Port      string
	RedisAddr string

	ProcessorPrimaryURL   string
	ProcessorSecondaryURL string

	LedgerBackend string // "redis", "postgres" or "memory"
	PostgresDSN   string

	QueueConcurrency int
	BulkConcurrency  int
	MaxAttempts      int

	BatchSize     int
	BatchInterval time.Duration

	HealthCacheTTL time.Duration

	BulkChunkSize          int
	BulkSameBackendRetries int
	// AlternateOnBulkFailure switches the bulk retry policy from
	// same-backend-first to always-alternate.
	AlternateOnBulkFailure bool
}

func LoadConfig() Config {
	// Local development convenience; absent .env is not an error.
	_ = godotenv.Load()

	return Config{
		Port:      GetEnv("HTTP_PORT", "3000"),
		RedisAddr: GetEnv("REDIS_ADDR", "storage:6379"),
		ProcessorPrimaryURL: GetEnv(
			"PROCESSOR_PRIMARY_URL",
			"http://payment-processor-primary:8080",
		),
		ProcessorSecondaryURL: GetEnv(
			"PROCESSOR_SECONDARY_URL",
			"http://payment-processor-secondary:8080",
		),
		LedgerBackend:          GetEnv("LEDGER_BACKEND", "redis"),
		PostgresDSN:            GetEnv("POSTGRES_DSN", ""),
		QueueConcurrency:       getEnvInt("QUEUE_CONCURRENCY", 8),
		BulkConcurrency:        getEnvInt("BULK_CONCURRENCY", 3),
		MaxAttempts:            getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		BatchSize:              getEnvInt("BATCH_SIZE", 50),
		BatchInterval:          getEnvDuration("BATCH_INTERVAL", 500*time.Millisecond),
		HealthCacheTTL:         getEnvDuration("HEALTH_CACHE_TTL", 5*time.Second),
		BulkChunkSize:          getEnvInt("BULK_CHUNK_SIZE", 10),
		BulkSameBackendRetries: getEnvInt("BULK_SAME_BACKEND_RETRIES", 5),
		AlternateOnBulkFailure: GetEnv("BULK_ALTERNATE_ON_FAILURE", "false") == "true",
	}
}

func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
