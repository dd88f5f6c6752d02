package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine binaries
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Automation AutomationConfig `yaml:"automation"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the suppression cache connection. An empty URL disables
// the cache and every lookup goes to Postgres.
type RedisConfig struct {
	URL               string `yaml:"url"`
	SuppressionTTLSec int    `yaml:"suppression_ttl_seconds"`
}

// SuppressionTTL returns the cache TTL as a duration
func (c RedisConfig) SuppressionTTL() time.Duration {
	return time.Duration(c.SuppressionTTLSec) * time.Second
}

// AutomationConfig holds scheduler settings.
type AutomationConfig struct {
	Enabled             bool `yaml:"enabled"`
	TickIntervalSeconds int  `yaml:"tick_interval_seconds"`
	BatchSize           int  `yaml:"batch_size"`
	ClaimLeaseSeconds   int  `yaml:"claim_lease_seconds"`
	MaxStepsPerTick     int  `yaml:"max_steps_per_tick"`
	GraphCacheTTLSec    int  `yaml:"graph_cache_ttl_seconds"`
}

// TickInterval returns the scheduler cadence as a duration
func (c AutomationConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// ClaimLease returns how long a claimed enrollment is hidden from other workers
func (c AutomationConfig) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

// GraphCacheTTL returns how long a parsed graph is reused
func (c AutomationConfig) GraphCacheTTL() time.Duration {
	return time.Duration(c.GraphCacheTTLSec) * time.Second
}

// DispatchConfig selects and configures the Dispatch Adapter
type DispatchConfig struct {
	Provider        string     `yaml:"provider"` // "ses", "http" or "log"
	TimeoutSeconds  int        `yaml:"timeout_seconds"`
	MaxAttempts     int        `yaml:"max_attempts"`
	BaseBackoffSec  int        `yaml:"base_backoff_seconds"`
	MaxBackoffSec   int        `yaml:"max_backoff_seconds"`
	MessageIDPrefix string     `yaml:"message_id_prefix"`
	MessageIDDomain string     `yaml:"message_id_domain"`
	FromAddress     string     `yaml:"from_address"`
	SES             SESConfig  `yaml:"ses"`
	HTTP            HTTPConfig `yaml:"http"`
}

// Timeout returns the configured timeout as a duration
func (c DispatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BaseBackoff returns the first retry delay after a failed dispatch
func (c DispatchConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffSec) * time.Second
}

// MaxBackoff caps the retry delay
func (c DispatchConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	ConfigSetName string `yaml:"configuration_set"`
}

// HTTPConfig holds the generic HTTP provider endpoint
type HTTPConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	MaxRetries int    `yaml:"max_retries"`
}

// TrackingConfig holds the engagement ingestion settings
type TrackingConfig struct {
	BaseURL      string `yaml:"base_url"`
	QueueURL     string `yaml:"queue_url"` // SQS; empty means webhooks ingest synchronously
	QueueRegion  string `yaml:"queue_region"`
	WebhookToken string `yaml:"webhook_token"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. Defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
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
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run safely. A claim lease
// must cover a full tick of sends, or another worker could take an
// enrollment over while a send is still in flight.
func (cfg *Config) Validate() error {
	budget := time.Duration(cfg.Automation.MaxStepsPerTick) * cfg.Dispatch.Timeout()
	if lease := cfg.Automation.ClaimLease(); lease < budget {
		return fmt.Errorf("automation.claim_lease_seconds: %s is shorter than max_steps_per_tick x dispatch.timeout_seconds (%s)", lease, budget)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.SuppressionTTLSec == 0 {
		cfg.Redis.SuppressionTTLSec = 5
	}
	if cfg.Automation.TickIntervalSeconds == 0 {
		cfg.Automation.TickIntervalSeconds = 60
	}
	if cfg.Automation.BatchSize == 0 {
		cfg.Automation.BatchSize = 100
	}
	if cfg.Automation.ClaimLeaseSeconds == 0 {
		cfg.Automation.ClaimLeaseSeconds = 600
	}
	if cfg.Automation.MaxStepsPerTick == 0 {
		cfg.Automation.MaxStepsPerTick = 16
	}
	if cfg.Automation.GraphCacheTTLSec == 0 {
		cfg.Automation.GraphCacheTTLSec = 60
	}
	if cfg.Dispatch.Provider == "" {
		cfg.Dispatch.Provider = "log"
	}
	if cfg.Dispatch.TimeoutSeconds == 0 {
		cfg.Dispatch.TimeoutSeconds = 30
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 5
	}
	if cfg.Dispatch.BaseBackoffSec == 0 {
		cfg.Dispatch.BaseBackoffSec = 60
	}
	if cfg.Dispatch.MaxBackoffSec == 0 {
		cfg.Dispatch.MaxBackoffSec = 3600
	}
	if cfg.Dispatch.MessageIDPrefix == "" {
		cfg.Dispatch.MessageIDPrefix = "auto"
	}
	if cfg.Dispatch.SES.Region == "" {
		cfg.Dispatch.SES.Region = "us-west-2"
	}
	if cfg.Dispatch.HTTP.MaxRetries == 0 {
		cfg.Dispatch.HTTP.MaxRetries = 3
	}
	if cfg.Tracking.QueueRegion == "" {
		cfg.Tracking.QueueRegion = cfg.Dispatch.SES.Region
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ENGINE_TICK_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("ENGINE_TICK_SECONDS: invalid value %q", v)
		}
		cfg.Automation.TickIntervalSeconds = n
	}

	// Dispatch overrides
	if v := os.Getenv("DISPATCH_PROVIDER"); v != "" {
		cfg.Dispatch.Provider = v
	}
	if v := os.Getenv("DISPATCH_HTTP_ENDPOINT"); v != "" {
		cfg.Dispatch.HTTP.Endpoint = v
	}
	if v := os.Getenv("DISPATCH_HTTP_API_KEY"); v != "" {
		cfg.Dispatch.HTTP.APIKey = v
	}
	if v := os.Getenv("DISPATCH_MESSAGE_ID_DOMAIN"); v != "" {
		cfg.Dispatch.MessageIDDomain = v
	}
	if v := os.Getenv("DISPATCH_FROM_ADDRESS"); v != "" {
		cfg.Dispatch.FromAddress = v
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		cfg.Dispatch.SES.AccessKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		cfg.Dispatch.SES.SecretKey = v
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		cfg.Dispatch.SES.Region = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		cfg.Dispatch.SES.ConfigSetName = v
	}

	if v := os.Getenv("TRACKING_QUEUE_URL"); v != "" {
		cfg.Tracking.QueueURL = v
	}
	if v := os.Getenv("TRACKING_WEBHOOK_TOKEN"); v != "" {
		cfg.Tracking.WebhookToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
