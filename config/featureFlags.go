package config

import (
	"os"
	"strings"
	"time"
)

// RetryQueueSettings holds the env-driven knobs of the durable retry queue.
//
// Env:
// - RETRY_QUEUE_PROCESSOR_ENABLED (default true)
// - RETRY_QUEUE_BATCH_SIZE (default 25)
// - RETRY_QUEUE_POLL_SECONDS (default 30)
// - RETRY_QUEUE_LOCK_TIMEOUT_SECONDS (default 300)
// - RETRY_QUEUE_MAX_ATTEMPTS (default 5)
// - RETRY_QUEUE_RETENTION_DAYS (default 7)
// - RETRY_QUEUE_FAILED_RETENTION_DAYS (default 30)
type RetryQueueSettings struct {
	ProcessorEnabled    bool
	BatchSize           int
	PollInterval        time.Duration
	LockTimeout         time.Duration
	MaxAttempts         int
	RetentionDays       int
	FailedRetentionDays int
}

func GetRetryQueueSettings() RetryQueueSettings {
	s := RetryQueueSettings{
		ProcessorEnabled:    envBoolDefault("RETRY_QUEUE_PROCESSOR_ENABLED", true),
		BatchSize:           intFromEnv("RETRY_QUEUE_BATCH_SIZE", 25),
		PollInterval:        time.Duration(intFromEnv("RETRY_QUEUE_POLL_SECONDS", 30)) * time.Second,
		LockTimeout:         time.Duration(intFromEnv("RETRY_QUEUE_LOCK_TIMEOUT_SECONDS", 300)) * time.Second,
		MaxAttempts:         intFromEnv("RETRY_QUEUE_MAX_ATTEMPTS", 5),
		RetentionDays:       intFromEnv("RETRY_QUEUE_RETENTION_DAYS", 7),
		FailedRetentionDays: intFromEnv("RETRY_QUEUE_FAILED_RETENTION_DAYS", 30),
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 25
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	return s
}

// InternalAPIKey guards /internal routes. Empty means internal routes are closed.
func InternalAPIKey() string {
	return strings.TrimSpace(os.Getenv("INTERNAL_API_KEY"))
}

// CrewTokenSecret signs crew capability tokens.
func CrewTokenSecret() string {
	return os.Getenv("CREW_TOKEN_SECRET")
}

// CrewTokenLifetime defaults to 12 hours (one shift).
func CrewTokenLifetime() time.Duration {
	return time.Duration(intFromEnv("CREW_TOKEN_HOUR_LIFESPAN", 12)) * time.Hour
}

// IsProduction reports GO_ENV=production.
func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}
