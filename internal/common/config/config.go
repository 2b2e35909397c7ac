// Package config provides configuration management for Compass.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Compass backend.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	NATS      NATSConfig                `mapstructure:"nats"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Sync      SyncConfig                `mapstructure:"sync"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicBaseURL is the externally reachable base URL, used to build
	// OAuth redirect and webhook delivery URLs.
	PublicBaseURL string `mapstructure:"publicBaseUrl"`
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the backend runs on embedded SQLite at SQLitePath;
// otherwise it connects to PostgreSQL.
type DatabaseConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SyncConfig holds sync-scheduler and ingestion tuning.
type SyncConfig struct {
	// ScanInterval is how often the scheduler scans for due sync states, in seconds.
	ScanInterval int `mapstructure:"scanInterval"`
	// BatchLimit bounds how many due integrations one scan may start.
	BatchLimit int `mapstructure:"batchLimit"`
	// DefaultInterval is the fallback interval between pulls, in seconds,
	// for providers whose definition does not set one.
	DefaultInterval int `mapstructure:"defaultInterval"`
	// PauseThreshold is the consecutive-failure count that escalates a
	// failed integration to paused.
	PauseThreshold int `mapstructure:"pauseThreshold"`
	// WebhookDisableThreshold is the consecutive-failure count that
	// deactivates a webhook subscription.
	WebhookDisableThreshold int `mapstructure:"webhookDisableThreshold"`
	// StaleSyncTimeout is how long a row may stay in syncing, in seconds,
	// before it is treated as a crashed run and recovered.
	StaleSyncTimeout int `mapstructure:"staleSyncTimeout"`
	// WindowDays is the lookback window for non-incremental providers.
	WindowDays int `mapstructure:"windowDays"`
}

// ProviderConfig holds per-provider OAuth credentials and webhook secrets.
// Keys in Config.Providers are provider identifiers (e.g. "github", "slack").
type ProviderConfig struct {
	ClientID      string `mapstructure:"clientId"`
	ClientSecret  string `mapstructure:"clientSecret"`
	APIKey        string `mapstructure:"apiKey"`
	WebhookSecret string `mapstructure:"webhookSecret"`
	BaseURL       string `mapstructure:"baseUrl"` // override for tests/self-hosted instances
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ScanIntervalDuration returns the scheduler scan interval as a time.Duration.
func (s *SyncConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(s.ScanInterval) * time.Second
}

// StaleSyncTimeoutDuration returns the stale-sync timeout as a time.Duration.
func (s *SyncConfig) StaleSyncTimeoutDuration() time.Duration {
	return time.Duration(s.StaleSyncTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COMPASS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.publicBaseUrl", "http://localhost:8080")

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "compass")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "compass")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "~/.compass/compass.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "compass-cluster")
	v.SetDefault("nats.clientId", "compass-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Sync defaults (thresholds match the documented escalation rules)
	v.SetDefault("sync.scanInterval", 60)
	v.SetDefault("sync.batchLimit", 20)
	v.SetDefault("sync.defaultInterval", 900)
	v.SetDefault("sync.pauseThreshold", 5)
	v.SetDefault("sync.webhookDisableThreshold", 10)
	v.SetDefault("sync.staleSyncTimeout", 900)
	v.SetDefault("sync.windowDays", 7)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COMPASS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/compass/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("COMPASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config keys are camelCase.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.sqlitePath", "COMPASS_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("server.publicBaseUrl", "COMPASS_SERVER_PUBLIC_BASE_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/compass/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (embedded SQLite otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Sync.BatchLimit <= 0 {
		errs = append(errs, "sync.batchLimit must be positive")
	}
	if cfg.Sync.PauseThreshold <= 0 {
		errs = append(errs, "sync.pauseThreshold must be positive")
	}
	if cfg.Sync.WebhookDisableThreshold <= 0 {
		errs = append(errs, "sync.webhookDisableThreshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Provider returns the configuration for a provider id, if present.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	pc, ok := c.Providers[strings.ToLower(id)]
	return pc, ok
}
