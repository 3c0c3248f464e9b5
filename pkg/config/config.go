// Package config loads server configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds the governance server configuration.
type Config struct {
	Port     string
	LogLevel string

	// EventSecret is the master key for the per-tenant event HMAC chains.
	// The server refuses to start without it.
	EventSecret []byte
	// SigningKeyID names the Ed25519 key used for manifest signatures.
	SigningKeyID string

	// StoreRoot is the base directory for the artifact store, the event
	// journal, and the sqlite databases.
	StoreRoot string
	// StorageType selects the payload blob backend: fs, s3 or gcs.
	StorageType string

	// DatabaseURL switches the event journal to postgres when set;
	// otherwise the file journal under StoreRoot is used.
	DatabaseURL string
	// RedisURL switches the rate-window limiter to redis when set.
	RedisURL string

	Workers                  int
	MaxConcurrentJobsDefault int
	RatePerMinuteDefault     int
	RateBurstDefault         int
	DailyCostBudgetDefault   int64
	// JobCostTable maps job types to their estimated cost units,
	// parsed from a JSON object like {"rebuild_index": 5}.
	JobCostTable map[string]int64

	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

// Load reads configuration from environment variables. Only the event
// secret is mandatory; everything else has a development default.
func Load() (*Config, error) {
	secret := os.Getenv("GOVERNANCE_EVENT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("GOVERNANCE_EVENT_SECRET is required")
	}

	cfg := &Config{
		Port:         envOr("PORT", "8080"),
		LogLevel:     envOr("LOG_LEVEL", "INFO"),
		EventSecret:  []byte(secret),
		SigningKeyID: envOr("GOVERNANCE_SIGNING_KEY_ID", "governance-signing-1"),
		StoreRoot:    envOr("GOVERNANCE_STORE_ROOT", "data"),
		StorageType:  envOr("GOVERNANCE_STORAGE_TYPE", "fs"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),

		Workers:                  envInt("GOVERNANCE_WORKERS", 4),
		MaxConcurrentJobsDefault: envInt("GOVERNANCE_MAX_CONCURRENT_JOBS_DEFAULT", 4),
		RatePerMinuteDefault:     envInt("GOVERNANCE_RATE_PER_MINUTE_DEFAULT", 60),
		RateBurstDefault:         envInt("GOVERNANCE_RATE_BURST_DEFAULT", 10),
		DailyCostBudgetDefault:   int64(envInt("GOVERNANCE_DAILY_COST_BUDGET_DEFAULT", 0)),

		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		Environment:      envOr("GOVERNANCE_ENVIRONMENT", "development"),
	}

	if raw := os.Getenv("GOVERNANCE_JOB_COST_TABLE"); raw != "" {
		table := map[string]int64{}
		if err := json.Unmarshal([]byte(raw), &table); err != nil {
			return nil, fmt.Errorf("GOVERNANCE_JOB_COST_TABLE is not valid JSON: %w", err)
		}
		cfg.JobCostTable = table
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
