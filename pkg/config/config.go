// Package config loads engine configuration: environment variables for the
// process-level knobs, plus optional per-deployment YAML profiles overriding
// connector behavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds engine configuration.
type Config struct {
	LogLevel string

	// StoreBackend selects the state store: memory, sqlite, postgres, redis.
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisAddr    string

	WorkerPoolSize int
	QueueCapacity  int

	MaxRetryAttempts       int
	InitialRetryDelay      time.Duration
	RetryBackoffMultiplier float64

	ConnectorTimeout time.Duration

	ZombieScanInterval time.Duration

	// SigningSeed is the hex-encoded 32-byte seed certificate signing keys
	// are derived from. Empty disables signing.
	SigningSeed string

	OTLPEndpoint string
	OTelEnabled  bool

	// ProfilesDir holds per-deployment YAML profiles; DeployProfile names
	// the one this node runs under. Both empty disables the overlay.
	ProfilesDir   string
	DeployProfile string

	S3Bucket string
	S3Region string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:               envStr("LOG_LEVEL", "INFO"),
		StoreBackend:           envStr("STORE_BACKEND", "sqlite"),
		SQLitePath:             envStr("SQLITE_PATH", "ghostprotocol.db"),
		DatabaseURL:            envStr("DATABASE_URL", ""),
		RedisAddr:              envStr("REDIS_ADDR", ""),
		WorkerPoolSize:         envInt("WORKER_POOL_SIZE", 4),
		QueueCapacity:          envInt("QUEUE_CAPACITY", 256),
		MaxRetryAttempts:       envInt("MAX_RETRY_ATTEMPTS", 3),
		InitialRetryDelay:      time.Duration(envInt("INITIAL_RETRY_DELAY_MS", 1000)) * time.Millisecond,
		RetryBackoffMultiplier: envFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		ConnectorTimeout:       time.Duration(envInt("CONNECTOR_TIMEOUT_MS", 15000)) * time.Millisecond,
		ZombieScanInterval:     time.Duration(envInt("ZOMBIE_SCAN_INTERVAL_HOURS", 6)) * time.Hour,
		SigningSeed:            envStr("SIGNING_SEED", ""),
		OTLPEndpoint:           envStr("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:            os.Getenv("OTEL_ENABLED") == "true",
		ProfilesDir:            envStr("PROFILES_DIR", ""),
		DeployProfile:          envStr("DEPLOY_PROFILE", ""),
		S3Bucket:               envStr("S3_BUCKET", ""),
		S3Region:               envStr("S3_REGION", "eu-west-1"),
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: postgres backend requires DATABASE_URL")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("config: redis backend requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must be >= 1")
	}
	if c.RetryBackoffMultiplier < 1.0 {
		return fmt.Errorf("config: RETRY_BACKOFF_MULTIPLIER must be >= 1.0")
	}
	if c.DeployProfile != "" && c.ProfilesDir == "" {
		return fmt.Errorf("config: DEPLOY_PROFILE requires PROFILES_DIR")
	}
	return nil
}

// ApplyProfile merges a deployment profile's process-level overrides into
// the config. Per-connector tunings stay on the profile and are read by the
// connector wiring.
func (c *Config) ApplyProfile(p *DeploymentProfile) {
	if p == nil {
		return
	}
	if p.Zombie.ScanIntervalHours > 0 {
		c.ZombieScanInterval = time.Duration(p.Zombie.ScanIntervalHours) * time.Hour
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
