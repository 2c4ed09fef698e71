// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and WAL/DLQ files (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Fleet
	HeartbeatTimeout  time.Duration // Node declared unhealthy past this heartbeat age
	SweepInterval     time.Duration // Liveness sweeper cadence
	CommandTimeout    time.Duration // Per node-command timeout
	DefaultFootprint  int64         // Estimated MB per tenant when unknown
	RecoveryRetryTick time.Duration // Waiting-tenant retry cadence
	RecoveryMaxAge    time.Duration // Open recovery events are closed past this age

	// Metering
	MeterBatchSize     int
	MeterFlushInterval time.Duration
	MeterMaxRetries    int
	MeterWindowSize    time.Duration
	WALPath            string
	DLQPath            string

	// Billing
	VaultKey        string // Master key for tenant API key encryption
	StripeSecretKey string
	WebhookSecret   string // Payment processor webhook signing secret

	// Notifications
	AdminEmail        string
	NotifyWebhookURL  string // Delivery endpoint; empty falls back to log-only delivery
	NotifyInterval    time.Duration
	SnapshotRetention int // Days of control-plane snapshots to keep; 0 keeps all

	// Backup store (S3-compatible)
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Routing layer
	ProxyAdminURL string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("WARDEN_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("WARDEN_PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		HeartbeatTimeout:  getEnvAsDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
		CommandTimeout:    getEnvAsDuration("COMMAND_TIMEOUT", 60*time.Second),
		DefaultFootprint:  int64(getEnvAsInt("DEFAULT_FOOTPRINT_MB", 100)),
		RecoveryRetryTick: getEnvAsDuration("RECOVERY_RETRY_TICK", 1*time.Minute),
		RecoveryMaxAge:    getEnvAsDuration("RECOVERY_MAX_AGE", 24*time.Hour),

		MeterBatchSize:     getEnvAsInt("METER_BATCH_SIZE", 100),
		MeterFlushInterval: getEnvAsDuration("METER_FLUSH_INTERVAL", 5*time.Second),
		MeterMaxRetries:    getEnvAsInt("METER_MAX_RETRIES", 3),
		MeterWindowSize:    getEnvAsDuration("METER_WINDOW_SIZE", 60*time.Second),
		WALPath:            getEnv("METER_WAL_PATH", filepath.Join(absDataDir, "meter.wal")),
		DLQPath:            getEnv("METER_DLQ_PATH", filepath.Join(absDataDir, "meter.dlq")),

		VaultKey:        getEnv("VAULT_KEY", ""),
		StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),

		AdminEmail:        getEnv("ADMIN_EMAIL", "ops@localhost"),
		NotifyWebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyInterval:    getEnvAsDuration("NOTIFY_INTERVAL", 15*time.Second),
		SnapshotRetention: getEnvAsInt("SNAPSHOT_RETENTION_DAYS", 30),

		S3Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		S3Region:    getEnv("BACKUP_S3_REGION", "auto"),
		S3Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		S3AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),

		ProxyAdminURL: getEnv("PROXY_ADMIN_URL", "http://localhost:2019"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// runtime failures deep inside a subsystem.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MeterBatchSize <= 0 {
		return fmt.Errorf("meter batch size must be positive, got %d", c.MeterBatchSize)
	}
	if c.MeterWindowSize < time.Second {
		return fmt.Errorf("meter window size must be at least 1s, got %s", c.MeterWindowSize)
	}
	if c.HeartbeatTimeout <= c.SweepInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed sweep interval (%s)", c.HeartbeatTimeout, c.SweepInterval)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
