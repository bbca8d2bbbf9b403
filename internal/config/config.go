package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "PLAYGUARD"

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
	Authority    AuthorityConfig    `yaml:"authority" envconfig:"AUTHORITY"`
	Storage      StorageConfig      `yaml:"storage" envconfig:"STORAGE"`
	DRM          DRMConfig          `yaml:"drm" envconfig:"DRM"`
	Retention    RetentionConfig    `yaml:"retention" envconfig:"RETENTION"`
	Entitlements EntitlementsConfig `yaml:"entitlements" envconfig:"ENTITLEMENTS"`
	Audit        AuditConfig        `yaml:"audit" envconfig:"AUDIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/playguard.log"`
}

// TelemetryConfig toggles tracing and metrics export
type TelemetryConfig struct {
	EnableTracing bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING" default:"false"`
	EnableMetrics bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS" default:"true"`
	TraceExporter string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"stdout"`
	SampleRatio   float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
	Environment   string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// AuthorityConfig describes the remote license-issuing authority
type AuthorityConfig struct {
	BaseURL      string        `yaml:"base_url" envconfig:"BASE_URL" default:"http://localhost:9000"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
	SharedSecret string        `yaml:"shared_secret" envconfig:"SHARED_SECRET"`
	RPS          float64       `yaml:"rps" envconfig:"RPS" default:"20"`
	Burst        int           `yaml:"burst" envconfig:"BURST" default:"10"`
}

// StorageConfig selects the persistence backend for licenses and violations
type StorageConfig struct {
	Backend     string `yaml:"backend" envconfig:"BACKEND" default:"memory"`
	Path        string `yaml:"path" envconfig:"PATH" default:"data/playguard.db"`
	RedisAddr   string `yaml:"redis_addr" envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPrefix string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX" default:"playguard"`
}

// DRMConfig holds protection-provider settings
type DRMConfig struct {
	Provider                  string `yaml:"provider" envconfig:"PROVIDER" default:"none"`
	CapabilityAvailable       bool   `yaml:"capability_available" envconfig:"CAPABILITY_AVAILABLE" default:"true"`
	EnforceDeviceRestrictions bool   `yaml:"enforce_device_restrictions" envconfig:"ENFORCE_DEVICE_RESTRICTIONS" default:"false"`
}

// RetentionConfig controls violation log pruning
type RetentionConfig struct {
	ViolationTTL    time.Duration `yaml:"violation_ttl" envconfig:"VIOLATION_TTL" default:"168h"`
	SweepInterval   time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1h"`
	MaxViolations   int           `yaml:"max_violations" envconfig:"MAX_VIOLATIONS" default:"0"`
	ArchiveToSheets bool          `yaml:"archive_to_sheets" envconfig:"ARCHIVE_TO_SHEETS" default:"false"`
}

// EntitlementsConfig seeds the static entitlement provider
type EntitlementsConfig struct {
	DefaultTier string            `yaml:"default_tier" envconfig:"DEFAULT_TIER" default:"standard"`
	Users       map[string]string `yaml:"users" envconfig:"USERS"`
}

// AuditConfig configures where violations are archived before pruning
type AuditConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME" default:"Violations"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	ArchiveDir      string `yaml:"archive_dir" envconfig:"ARCHIVE_DIR"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := LoadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFile loads configuration from a YAML file
func LoadFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config. Env values win whenever the
// variable was explicitly set; otherwise the file value replaces the env default.
func mergeConfigs(fileConfig, envConfig Config) Config {
	set := func(name string) bool {
		_, ok := os.LookupEnv(EnvPrefix + "_" + name)
		return ok
	}

	if !set("SERVER_PORT") && fileConfig.Server.Port != 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if !set("LOGGING_LEVEL") && fileConfig.Logging.Level != "" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if !set("LOGGING_OUTPUT") && fileConfig.Logging.Output != "" {
		envConfig.Logging.Output = fileConfig.Logging.Output
	}
	if !set("AUTHORITY_BASE_URL") && fileConfig.Authority.BaseURL != "" {
		envConfig.Authority.BaseURL = fileConfig.Authority.BaseURL
	}
	if !set("AUTHORITY_TIMEOUT") && fileConfig.Authority.Timeout != 0 {
		envConfig.Authority.Timeout = fileConfig.Authority.Timeout
	}
	if !set("AUTHORITY_SHARED_SECRET") && fileConfig.Authority.SharedSecret != "" {
		envConfig.Authority.SharedSecret = fileConfig.Authority.SharedSecret
	}
	if !set("STORAGE_BACKEND") && fileConfig.Storage.Backend != "" {
		envConfig.Storage.Backend = fileConfig.Storage.Backend
	}
	if !set("STORAGE_PATH") && fileConfig.Storage.Path != "" {
		envConfig.Storage.Path = fileConfig.Storage.Path
	}
	if !set("STORAGE_REDIS_ADDR") && fileConfig.Storage.RedisAddr != "" {
		envConfig.Storage.RedisAddr = fileConfig.Storage.RedisAddr
	}
	if !set("DRM_PROVIDER") && fileConfig.DRM.Provider != "" {
		envConfig.DRM.Provider = fileConfig.DRM.Provider
	}
	if !set("RETENTION_VIOLATION_TTL") && fileConfig.Retention.ViolationTTL != 0 {
		envConfig.Retention.ViolationTTL = fileConfig.Retention.ViolationTTL
	}
	if !set("ENTITLEMENTS_DEFAULT_TIER") && fileConfig.Entitlements.DefaultTier != "" {
		envConfig.Entitlements.DefaultTier = fileConfig.Entitlements.DefaultTier
	}
	if len(fileConfig.Entitlements.Users) > 0 {
		if envConfig.Entitlements.Users == nil {
			envConfig.Entitlements.Users = make(map[string]string)
		}
		for user, tier := range fileConfig.Entitlements.Users {
			if _, ok := envConfig.Entitlements.Users[user]; !ok {
				envConfig.Entitlements.Users[user] = tier
			}
		}
	}
	if !set("AUDIT_SPREADSHEET_ID") && fileConfig.Audit.SpreadsheetID != "" {
		envConfig.Audit.SpreadsheetID = fileConfig.Audit.SpreadsheetID
	}
	if !set("AUDIT_CREDENTIALS_FILE") && fileConfig.Audit.CredentialsFile != "" {
		envConfig.Audit.CredentialsFile = fileConfig.Audit.CredentialsFile
	}
	if !set("AUDIT_ARCHIVE_DIR") && fileConfig.Audit.ArchiveDir != "" {
		envConfig.Audit.ArchiveDir = fileConfig.Audit.ArchiveDir
	}

	return envConfig
}

// Validate checks the configuration and normalizes enum-like fields
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Authority.Timeout <= 0 {
		return fmt.Errorf("authority timeout must be positive")
	}

	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	switch c.Storage.Backend {
	case "memory", "file", "bolt", "redis":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.Retention.ViolationTTL <= 0 {
		return fmt.Errorf("violation retention must be positive")
	}

	if c.Retention.ArchiveToSheets && c.Audit.SpreadsheetID == "" {
		return fmt.Errorf("archive_to_sheets requires audit.spreadsheet_id")
	}

	// entries over the cap leave the log only through an archive
	if c.Retention.MaxViolations < 0 {
		return fmt.Errorf("max violations must not be negative")
	}
	if c.Retention.MaxViolations > 0 && !c.Retention.ArchiveToSheets && c.Audit.ArchiveDir == "" {
		return fmt.Errorf("max_violations requires an archive destination (archive_to_sheets or audit.archive_dir)")
	}

	c.Logging.Output = strings.ToLower(c.Logging.Output)
	if c.Logging.Output != "console" && c.Logging.Output != "file" && c.Logging.Output != "both" {
		c.Logging.Output = "console"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/playguard.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"playguard.yaml",
		"configs/playguard.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/playguard.log",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			TraceExporter: "stdout",
			SampleRatio:   1.0,
			Environment:   "development",
		},
		Authority: AuthorityConfig{
			BaseURL: "http://localhost:9000",
			Timeout: 10 * time.Second,
			RPS:     20,
			Burst:   10,
		},
		Storage: StorageConfig{
			Backend:     "memory",
			Path:        "data/playguard.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "playguard",
		},
		DRM: DRMConfig{
			Provider:            "none",
			CapabilityAvailable: true,
		},
		Retention: RetentionConfig{
			ViolationTTL:  7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Entitlements: EntitlementsConfig{
			DefaultTier: "standard",
		},
		Audit: AuditConfig{
			SheetName: "Violations",
		},
	}
}
