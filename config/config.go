package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const VERSION = "1.4"

type Config struct {
	Database    DatabaseConfig
	Processing  ProcessingConfig
	SMTP        SMTPConfig
	Cleanup     CleanupConfig
	Worker      WorkerConfig
	Environment string
	LogLevel    string
	Version     string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type ProcessingConfig struct {
	PollingInterval       time.Duration
	BatchSize             int
	MaxConcurrentWorkers  int
	MaxRetryAttempts      int
	RetryDelay            time.Duration
	MaxProcessingTime     time.Duration
	MaxAttachmentSizeMB   int
	MaxEmailSizeMB        int
	MaxRecipientsPerEmail int
}

type SMTPConfig struct {
	Host                string
	Port                int
	Username            string
	Password            string
	UseSSL              bool
	UseTLS              bool
	Timeout             time.Duration
	ValidateCertificate bool
	RetryAttempts       int
	MaxConnections      int
	PoolIdleTimeout     time.Duration
	SenderEmail         string
	SenderName          string
	DefaultReplyTo      string
}

type ArchiveConfig struct {
	Enabled       bool
	Path          string
	Format        string
	Compress      bool
	MaxFileSizeMB int
}

type CleanupConfig struct {
	EmailHistoryRetentionDays    int
	ProcessingLogRetentionDays   int
	FailedEmailRetentionDays     int
	SuccessfulEmailRetentionDays int
	ServiceStatusRetentionDays   int

	Interval time.Duration
	// Time is the wall-clock HH:MM at which cleanup runs align, in UTC.
	Time      string
	BatchSize int

	Archive                    ArchiveConfig
	AggressiveThresholdPercent int
}

type WorkerConfig struct {
	ServiceName            string
	ScheduledCheckInterval time.Duration
	HealthCheckInterval    time.Duration
	StatusReportEmail      string
	AlertEmail             string
	WebhookURL             string
	// DiskAlertThresholdPercent raises a disk alert when usage reaches it.
	// Zero disables the check.
	DiskAlertThresholdPercent int
}

// LoadOptions contains options for loading configuration
type LoadOptions struct {
	EnvFile string // Optional environment file to load (e.g., ".env", ".env.test")
}

// Load loads the configuration with default options
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions loads the configuration with the specified options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("ENVIRONMENT", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("VERSION", VERSION)

	// Processing defaults
	v.SetDefault("PROCESSING_POLLING_INTERVAL_S", 30)
	v.SetDefault("PROCESSING_BATCH_SIZE", 10)
	v.SetDefault("PROCESSING_MAX_CONCURRENT_WORKERS", 5)
	v.SetDefault("PROCESSING_MAX_RETRY_ATTEMPTS", 3)
	v.SetDefault("PROCESSING_RETRY_DELAY_MINUTES", 5)
	v.SetDefault("PROCESSING_MAX_PROCESSING_TIME_MINUTES", 10)
	v.SetDefault("PROCESSING_MAX_ATTACHMENT_SIZE_MB", 25)
	v.SetDefault("PROCESSING_MAX_EMAIL_SIZE_MB", 25)
	v.SetDefault("PROCESSING_MAX_RECIPIENTS_PER_EMAIL", 100)

	// SMTP defaults
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USE_SSL", false)
	v.SetDefault("SMTP_USE_TLS", true)
	v.SetDefault("SMTP_TIMEOUT_S", 30)
	v.SetDefault("SMTP_VALIDATE_CERTIFICATE", true)
	v.SetDefault("SMTP_RETRY_ATTEMPTS", 1)
	v.SetDefault("SMTP_MAX_CONNECTIONS", 5)
	v.SetDefault("SMTP_POOL_IDLE_MINUTES", 5)
	v.SetDefault("SMTP_SENDER_NAME", "Mailroom")

	// Cleanup defaults
	v.SetDefault("CLEANUP_EMAIL_HISTORY_RETENTION_DAYS", 90)
	v.SetDefault("CLEANUP_PROCESSING_LOG_RETENTION_DAYS", 30)
	v.SetDefault("CLEANUP_FAILED_EMAIL_RETENTION_DAYS", 30)
	v.SetDefault("CLEANUP_SUCCESSFUL_EMAIL_RETENTION_DAYS", 7)
	v.SetDefault("CLEANUP_SERVICE_STATUS_RETENTION_DAYS", 7)
	v.SetDefault("CLEANUP_INTERVAL_HOURS", 24)
	v.SetDefault("CLEANUP_TIME", "03:00")
	v.SetDefault("CLEANUP_BATCH_SIZE", 1000)
	v.SetDefault("CLEANUP_ARCHIVE_ENABLED", false)
	v.SetDefault("CLEANUP_ARCHIVE_PATH", "/var/lib/mailroom/archive")
	v.SetDefault("CLEANUP_ARCHIVE_FORMAT", "json")
	v.SetDefault("CLEANUP_ARCHIVE_COMPRESS", false)
	v.SetDefault("CLEANUP_ARCHIVE_MAX_FILE_SIZE_MB", 100)
	v.SetDefault("CLEANUP_AGGRESSIVE_THRESHOLD_PERCENT", 90)

	// Worker defaults
	v.SetDefault("WORKER_SERVICE_NAME", "mailroom-worker")
	v.SetDefault("WORKER_SCHEDULED_CHECK_INTERVAL_MINUTES", 1)
	v.SetDefault("WORKER_HEALTH_CHECK_INTERVAL_MINUTES", 5)
	v.SetDefault("WORKER_DISK_ALERT_THRESHOLD_PERCENT", 90)

	// Load environment file if specified
	if opts.EnvFile != "" {
		v.SetConfigName(opts.EnvFile)
		v.SetConfigType("env")

		currentPath, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("error getting current directory: %w", err)
		}

		v.AddConfigPath(currentPath)

		if err := v.ReadInConfig(); err != nil {
			// It's okay if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if v.GetString("DB_NAME") == "" {
		return nil, fmt.Errorf("DB_NAME is required")
	}
	if v.GetString("SMTP_HOST") == "" {
		return nil, fmt.Errorf("SMTP_HOST is required")
	}
	if v.GetString("SMTP_SENDER_EMAIL") == "" {
		return nil, fmt.Errorf("SMTP_SENDER_EMAIL is required")
	}

	cleanupTime := v.GetString("CLEANUP_TIME")
	if _, err := time.Parse("15:04", cleanupTime); err != nil {
		return nil, fmt.Errorf("CLEANUP_TIME must be HH:MM (UTC): %w", err)
	}

	config := &Config{
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Processing: ProcessingConfig{
			PollingInterval:       time.Duration(v.GetInt("PROCESSING_POLLING_INTERVAL_S")) * time.Second,
			BatchSize:             v.GetInt("PROCESSING_BATCH_SIZE"),
			MaxConcurrentWorkers:  v.GetInt("PROCESSING_MAX_CONCURRENT_WORKERS"),
			MaxRetryAttempts:      v.GetInt("PROCESSING_MAX_RETRY_ATTEMPTS"),
			RetryDelay:            time.Duration(v.GetInt("PROCESSING_RETRY_DELAY_MINUTES")) * time.Minute,
			MaxProcessingTime:     time.Duration(v.GetInt("PROCESSING_MAX_PROCESSING_TIME_MINUTES")) * time.Minute,
			MaxAttachmentSizeMB:   v.GetInt("PROCESSING_MAX_ATTACHMENT_SIZE_MB"),
			MaxEmailSizeMB:        v.GetInt("PROCESSING_MAX_EMAIL_SIZE_MB"),
			MaxRecipientsPerEmail: v.GetInt("PROCESSING_MAX_RECIPIENTS_PER_EMAIL"),
		},
		SMTP: SMTPConfig{
			Host:                v.GetString("SMTP_HOST"),
			Port:                v.GetInt("SMTP_PORT"),
			Username:            v.GetString("SMTP_USERNAME"),
			Password:            v.GetString("SMTP_PASSWORD"),
			UseSSL:              v.GetBool("SMTP_USE_SSL"),
			UseTLS:              v.GetBool("SMTP_USE_TLS"),
			Timeout:             time.Duration(v.GetInt("SMTP_TIMEOUT_S")) * time.Second,
			ValidateCertificate: v.GetBool("SMTP_VALIDATE_CERTIFICATE"),
			RetryAttempts:       v.GetInt("SMTP_RETRY_ATTEMPTS"),
			MaxConnections:      v.GetInt("SMTP_MAX_CONNECTIONS"),
			PoolIdleTimeout:     time.Duration(v.GetInt("SMTP_POOL_IDLE_MINUTES")) * time.Minute,
			SenderEmail:         v.GetString("SMTP_SENDER_EMAIL"),
			SenderName:          v.GetString("SMTP_SENDER_NAME"),
			DefaultReplyTo:      v.GetString("SMTP_DEFAULT_REPLY_TO"),
		},
		Cleanup: CleanupConfig{
			EmailHistoryRetentionDays:    v.GetInt("CLEANUP_EMAIL_HISTORY_RETENTION_DAYS"),
			ProcessingLogRetentionDays:   v.GetInt("CLEANUP_PROCESSING_LOG_RETENTION_DAYS"),
			FailedEmailRetentionDays:     v.GetInt("CLEANUP_FAILED_EMAIL_RETENTION_DAYS"),
			SuccessfulEmailRetentionDays: v.GetInt("CLEANUP_SUCCESSFUL_EMAIL_RETENTION_DAYS"),
			ServiceStatusRetentionDays:   v.GetInt("CLEANUP_SERVICE_STATUS_RETENTION_DAYS"),
			Interval:                     time.Duration(v.GetInt("CLEANUP_INTERVAL_HOURS")) * time.Hour,
			Time:                         cleanupTime,
			BatchSize:                    v.GetInt("CLEANUP_BATCH_SIZE"),
			Archive: ArchiveConfig{
				Enabled:       v.GetBool("CLEANUP_ARCHIVE_ENABLED"),
				Path:          v.GetString("CLEANUP_ARCHIVE_PATH"),
				Format:        v.GetString("CLEANUP_ARCHIVE_FORMAT"),
				Compress:      v.GetBool("CLEANUP_ARCHIVE_COMPRESS"),
				MaxFileSizeMB: v.GetInt("CLEANUP_ARCHIVE_MAX_FILE_SIZE_MB"),
			},
			AggressiveThresholdPercent: v.GetInt("CLEANUP_AGGRESSIVE_THRESHOLD_PERCENT"),
		},
		Worker: WorkerConfig{
			ServiceName:               v.GetString("WORKER_SERVICE_NAME"),
			ScheduledCheckInterval:    time.Duration(v.GetInt("WORKER_SCHEDULED_CHECK_INTERVAL_MINUTES")) * time.Minute,
			HealthCheckInterval:       time.Duration(v.GetInt("WORKER_HEALTH_CHECK_INTERVAL_MINUTES")) * time.Minute,
			StatusReportEmail:         v.GetString("WORKER_STATUS_REPORT_EMAIL"),
			AlertEmail:                v.GetString("WORKER_ALERT_EMAIL"),
			WebhookURL:                v.GetString("WORKER_WEBHOOK_URL"),
			DiskAlertThresholdPercent: v.GetInt("WORKER_DISK_ALERT_THRESHOLD_PERCENT"),
		},
		Environment: v.GetString("ENVIRONMENT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		Version:     v.GetString("VERSION"),
	}

	return config, nil
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MaxAttachmentSizeBytes returns the per-attachment cap in bytes.
func (c *ProcessingConfig) MaxAttachmentSizeBytes() int64 {
	return int64(c.MaxAttachmentSizeMB) * 1024 * 1024
}

// MaxEmailSizeBytes returns the cumulative attachment cap in bytes.
func (c *ProcessingConfig) MaxEmailSizeBytes() int64 {
	return int64(c.MaxEmailSizeMB) * 1024 * 1024
}
