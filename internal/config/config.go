package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	BasePrefix  string   `mapstructure:"BASE_PREFIX"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`

	QueueWorkers         int     `mapstructure:"QUEUE_WORKERS"`
	QueueHighWaterMark   int     `mapstructure:"QUEUE_HIGH_WATER_MARK"`
	WorkerHeartbeatSecs  int     `mapstructure:"WORKER_HEARTBEAT_SECONDS"`
	ShutdownGraceSecs    int     `mapstructure:"SHUTDOWN_GRACE_SECONDS"`
	VendorMaxConcurrency int64   `mapstructure:"VENDOR_MAX_CONCURRENCY"`
	JobTimeoutMinutes    int     `mapstructure:"JOB_TIMEOUT_MINUTES"`
	RateLimitRPS         float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int     `mapstructure:"RATE_LIMIT_BURST"`

	BulkExportTimeoutMinutes int `mapstructure:"BULK_EXPORT_TIMEOUT_MINUTES"`
	BulkPollInitialSeconds   int `mapstructure:"BULK_POLL_INITIAL_SECONDS"`
	BulkPollMaxSeconds       int `mapstructure:"BULK_POLL_MAX_SECONDS"`
	BulkBatchSize            int `mapstructure:"BULK_BATCH_SIZE"`
	BulkFileConcurrency      int `mapstructure:"BULK_FILE_CONCURRENCY"`

	ErrorDedupWindowMinutes int     `mapstructure:"ERROR_DEDUP_WINDOW_MINUTES"`
	MaxSampleStackTraces    int     `mapstructure:"MAX_SAMPLE_STACK_TRACES"`
	MaxLogFileSizeMB        int     `mapstructure:"MAX_LOG_FILE_SIZE_MB"`
	LogRotationThreshold    float64 `mapstructure:"LOG_ROTATION_THRESHOLD"`
	LogDir                  string  `mapstructure:"LOG_DIR"`
	LowRetentionDays        int     `mapstructure:"LOW_ERROR_RETENTION_DAYS"`
	MediumRetentionDays     int     `mapstructure:"MEDIUM_ERROR_RETENTION_DAYS"`
	HighRetentionDays       int     `mapstructure:"HIGH_ERROR_RETENTION_DAYS"`
	CriticalRetentionDays   int     `mapstructure:"CRITICAL_ERROR_RETENTION_DAYS"`
	CleanupSchedule         string  `mapstructure:"CLEANUP_SCHEDULE"`

	IncidentPrefix           string `mapstructure:"INCIDENT_PREFIX"`
	ComplianceRetentionYears int    `mapstructure:"COMPLIANCE_RETENTION_YEARS"`

	WebhookSecret          string `mapstructure:"WEBHOOK_SECRET"`
	WebhookSignatureHeader string `mapstructure:"WEBHOOK_SIGNATURE_HEADER"`
	WebhookHashAlgorithm   string `mapstructure:"WEBHOOK_HASH_ALGORITHM"`

	SlackWebhookURL string `mapstructure:"SLACK_WEBHOOK_URL"`
	AlertWebhookURL string `mapstructure:"ALERT_WEBHOOK_URL"`

	DocumentDir string `mapstructure:"DOCUMENT_DIR"`

	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	MaxBodySize           string `mapstructure:"MAX_BODY_SIZE"`
	WebhookMaxBodySize    string `mapstructure:"WEBHOOK_MAX_BODY_SIZE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_PREFIX", "/api/v1")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("QUEUE_WORKERS", 16)
	v.SetDefault("QUEUE_HIGH_WATER_MARK", 1000)
	v.SetDefault("WORKER_HEARTBEAT_SECONDS", 15)
	v.SetDefault("SHUTDOWN_GRACE_SECONDS", 30)
	v.SetDefault("VENDOR_MAX_CONCURRENCY", 4)
	v.SetDefault("JOB_TIMEOUT_MINUTES", 5)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BULK_EXPORT_TIMEOUT_MINUTES", 120)
	v.SetDefault("BULK_POLL_INITIAL_SECONDS", 30)
	v.SetDefault("BULK_POLL_MAX_SECONDS", 300)
	v.SetDefault("BULK_BATCH_SIZE", 100)
	v.SetDefault("BULK_FILE_CONCURRENCY", 4)
	v.SetDefault("ERROR_DEDUP_WINDOW_MINUTES", 5)
	v.SetDefault("MAX_SAMPLE_STACK_TRACES", 3)
	v.SetDefault("MAX_LOG_FILE_SIZE_MB", 100)
	v.SetDefault("LOG_ROTATION_THRESHOLD", 0.8)
	v.SetDefault("LOG_DIR", "logs")
	v.SetDefault("LOW_ERROR_RETENTION_DAYS", 30)
	v.SetDefault("MEDIUM_ERROR_RETENTION_DAYS", 90)
	v.SetDefault("HIGH_ERROR_RETENTION_DAYS", 180)
	v.SetDefault("CRITICAL_ERROR_RETENTION_DAYS", 365)
	v.SetDefault("CLEANUP_SCHEDULE", "0 2 * * *")
	v.SetDefault("INCIDENT_PREFIX", "HIPAA-IR")
	v.SetDefault("COMPLIANCE_RETENTION_YEARS", 6)
	v.SetDefault("WEBHOOK_SIGNATURE_HEADER", "x-webhook-signature")
	v.SetDefault("WEBHOOK_HASH_ALGORITHM", "sha256")
	v.SetDefault("DOCUMENT_DIR", "documents")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("MAX_BODY_SIZE", "1M")
	v.SetDefault("WEBHOOK_MAX_BODY_SIZE", "10M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "BASE_PREFIX", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CORS_ORIGINS", "ENCRYPTION_KEY", "JWT_SECRET",
		"QUEUE_WORKERS", "QUEUE_HIGH_WATER_MARK", "WORKER_HEARTBEAT_SECONDS",
		"SHUTDOWN_GRACE_SECONDS", "VENDOR_MAX_CONCURRENCY", "JOB_TIMEOUT_MINUTES",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"BULK_EXPORT_TIMEOUT_MINUTES", "BULK_POLL_INITIAL_SECONDS",
		"BULK_POLL_MAX_SECONDS", "BULK_BATCH_SIZE", "BULK_FILE_CONCURRENCY",
		"ERROR_DEDUP_WINDOW_MINUTES", "MAX_SAMPLE_STACK_TRACES",
		"MAX_LOG_FILE_SIZE_MB", "LOG_ROTATION_THRESHOLD", "LOG_DIR",
		"LOW_ERROR_RETENTION_DAYS", "MEDIUM_ERROR_RETENTION_DAYS",
		"HIGH_ERROR_RETENTION_DAYS", "CRITICAL_ERROR_RETENTION_DAYS",
		"CLEANUP_SCHEDULE", "INCIDENT_PREFIX", "COMPLIANCE_RETENTION_YEARS",
		"WEBHOOK_SECRET", "WEBHOOK_SIGNATURE_HEADER", "WEBHOOK_HASH_ALGORITHM",
		"SLACK_WEBHOOK_URL", "ALERT_WEBHOOK_URL", "DOCUMENT_DIR",
		"REQUEST_TIMEOUT_SECONDS", "MAX_BODY_SIZE", "WEBHOOK_MAX_BODY_SIZE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// token sealing key and the admin JWT secret are mandatory; elsewhere the
// sealer falls back to key derivation from whatever ENCRYPTION_KEY holds.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	}
	if c.EncryptionKey != "" {
		if keyBytes, err := hex.DecodeString(c.EncryptionKey); err == nil && len(keyBytes) != 32 && len(c.EncryptionKey) == 64 {
			return fmt.Errorf("ENCRYPTION_KEY hex must decode to 32 bytes, got %d", len(keyBytes))
		}
		if len(c.EncryptionKey) < 16 {
			return fmt.Errorf("ENCRYPTION_KEY must be at least 16 characters (64 hex chars preferred)")
		}
	}
	if c.QueueWorkers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1, got %d", c.QueueWorkers)
	}
	if c.LogRotationThreshold <= 0 || c.LogRotationThreshold > 1 {
		return fmt.Errorf("LOG_ROTATION_THRESHOLD must be in (0,1], got %v", c.LogRotationThreshold)
	}
	if c.ComplianceRetentionYears < 6 {
		return fmt.Errorf("COMPLIANCE_RETENTION_YEARS must be at least 6, got %d", c.ComplianceRetentionYears)
	}
	switch c.WebhookHashAlgorithm {
	case "sha256", "sha512":
	default:
		return fmt.Errorf("WEBHOOK_HASH_ALGORITHM must be sha256 or sha512, got %q", c.WebhookHashAlgorithm)
	}
	return nil
}

// DedupWindow is the sliding window for operational error fingerprint merging.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.ErrorDedupWindowMinutes) * time.Minute
}

// JobTimeout is the default per-job execution budget.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMinutes) * time.Minute
}

// BulkExportTimeout is the execution budget for BULK_EXPORT jobs.
func (c *Config) BulkExportTimeout() time.Duration {
	return time.Duration(c.BulkExportTimeoutMinutes) * time.Minute
}

// RequestTimeout is the per-request deadline on the HTTP surface.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// HeartbeatInterval is how often a worker renews its claim on a job.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.WorkerHeartbeatSecs) * time.Second
}

// ShutdownGrace is how long workers get to checkpoint on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}

// RetentionDays maps an operational severity to its purge age.
func (c *Config) RetentionDays(severity string) int {
	switch severity {
	case "LOW":
		return c.LowRetentionDays
	case "MEDIUM":
		return c.MediumRetentionDays
	case "HIGH":
		return c.HighRetentionDays
	case "CRITICAL":
		return c.CriticalRetentionDays
	default:
		return c.MediumRetentionDays
	}
}
