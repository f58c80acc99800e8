// Package config loads the application configuration from a YAML file
// with environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Beehiiv    BeehiivConfig    `yaml:"beehiiv"`
	Mailchimp  MailchimpConfig  `yaml:"mailchimp"`
	Kit        KitConfig        `yaml:"kit"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Billing    BillingConfig    `yaml:"billing"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Deletion   DeletionConfig   `yaml:"deletion"`
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis settings. When Addr is empty the
// scheduler falls back to Postgres advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EncryptionConfig holds the secret-at-rest key. KeyHex is 32 bytes hex
// encoded; it normally arrives via the ENCRYPTION_KEY env var.
type EncryptionConfig struct {
	KeyHex string `yaml:"key_hex"`
}

// BeehiivConfig holds Beehiiv API settings.
type BeehiivConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MailchimpConfig holds the Mailchimp OAuth app credentials.
type MailchimpConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// KitConfig holds the Kit OAuth app credentials.
type KitConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// JobsConfig tunes the queue workers and schedules.
type JobsConfig struct {
	NumWorkers          int    `yaml:"num_workers"`
	BatchSize           int    `yaml:"batch_size"`
	MaxSyncAttempts     int    `yaml:"max_sync_attempts"`
	TokenRefreshWindow  string `yaml:"token_refresh_window"`  // duration, e.g. "15m"
	NightlySyncSchedule string `yaml:"nightly_sync_schedule"` // e.g. "@daily 02:00"
}

// BillingConfig holds Stripe metering settings. StripeAPIKey normally
// arrives via the STRIPE_API_KEY env var.
type BillingConfig struct {
	StripeAPIKey string `yaml:"stripe_api_key"`
}

// ArchiveConfig holds the deletion-audit S3 settings.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
}

// DeletionConfig tunes the account deletion sweep.
type DeletionConfig struct {
	GracePeriodDays int `yaml:"grace_period_days"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Beehiiv.BaseURL == "" {
		cfg.Beehiiv.BaseURL = "https://api.beehiiv.com/v2"
	}
	if cfg.Beehiiv.TimeoutSeconds == 0 {
		cfg.Beehiiv.TimeoutSeconds = 30
	}
	if cfg.Mailchimp.TimeoutSeconds == 0 {
		cfg.Mailchimp.TimeoutSeconds = 30
	}
	if cfg.Kit.TimeoutSeconds == 0 {
		cfg.Kit.TimeoutSeconds = 30
	}
	if cfg.Jobs.NumWorkers == 0 {
		cfg.Jobs.NumWorkers = 4
	}
	if cfg.Jobs.BatchSize == 0 {
		cfg.Jobs.BatchSize = 10
	}
	if cfg.Jobs.MaxSyncAttempts == 0 {
		cfg.Jobs.MaxSyncAttempts = 3
	}
	if cfg.Jobs.TokenRefreshWindow == "" {
		cfg.Jobs.TokenRefreshWindow = "15m"
	}
	if cfg.Jobs.NightlySyncSchedule == "" {
		cfg.Jobs.NightlySyncSchedule = "@daily 02:00"
	}
	if cfg.Archive.S3Region == "" {
		cfg.Archive.S3Region = "us-east-1"
	}
	if cfg.Deletion.GracePeriodDays == 0 {
		cfg.Deletion.GracePeriodDays = 30
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.KeyHex = v
	}
	if v := os.Getenv("MAILCHIMP_CLIENT_ID"); v != "" {
		cfg.Mailchimp.ClientID = v
	}
	if v := os.Getenv("MAILCHIMP_CLIENT_SECRET"); v != "" {
		cfg.Mailchimp.ClientSecret = v
	}
	if v := os.Getenv("KIT_CLIENT_ID"); v != "" {
		cfg.Kit.ClientID = v
	}
	if v := os.Getenv("KIT_CLIENT_SECRET"); v != "" {
		cfg.Kit.ClientSecret = v
	}
	if v := os.Getenv("STRIPE_API_KEY"); v != "" {
		cfg.Billing.StripeAPIKey = v
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}

	return cfg, nil
}

// Validate checks the settings the process cannot run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Encryption.KeyHex == "" {
		return fmt.Errorf("encryption key is required")
	}
	return nil
}
