package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Codarn/pg-mqtt-pub/internal/broker"
)

const (
	minQueueSize    = 2
	defaultConfPath = "configs/config.yaml"
)

// Config is the root configuration structure for mqttpub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Brokers    []BrokerConfig   `yaml:"brokers"`
	Queue      QueueConfig      `yaml:"queue"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	API        APIConfig        `yaml:"api"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig contains SQLite outbox settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Synchronous is "full" (durable on return) or "normal".
	Synchronous string `yaml:"synchronous"`
}

// BrokerConfig describes one MQTT broker.
type BrokerConfig struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TLS        bool   `yaml:"tls"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	ClientID   string `yaml:"client_id"`

	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

// IsActive reports whether the broker should be registered.
func (b BrokerConfig) IsActive() bool {
	return b.Active == nil || *b.Active
}

// ToBroker converts the YAML entry to a registry config.
func (b BrokerConfig) ToBroker() broker.Config {
	return broker.Config{
		Name:       b.Name,
		Host:       b.Host,
		Port:       b.Port,
		Username:   b.Username,
		Password:   b.Password,
		TLS:        b.TLS,
		CACert:     b.CACert,
		ClientCert: b.ClientCert,
		ClientKey:  b.ClientKey,
		ClientID:   b.ClientID,
	}
}

// ActiveBrokers returns the registry configs of every active broker, in
// file order.
func (c *Config) ActiveBrokers() []broker.Config {
	out := make([]broker.Config, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.IsActive() {
			out = append(out, b.ToBroker())
		}
	}
	return out
}

// QueueConfig sizes the in-memory ring buffer.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// DeliveryConfig contains drain worker, retry and connection settings.
type DeliveryConfig struct {
	BatchSize           int `yaml:"batch_size"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	PublishTimeoutMS    int `yaml:"publish_timeout_ms"`
	ReconnectIntervalMS int `yaml:"reconnect_interval_ms"`
	KeepaliveIntervalMS int `yaml:"keepalive_interval_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseMS       int `yaml:"backoff_base_ms"`
	BackoffCapMS        int `yaml:"backoff_cap_ms"`
}

// DeadLetterConfig contains dead-letter retention settings.
type DeadLetterConfig struct {
	RetainDays int `yaml:"retain_days"`

	// SweepSchedule is a cron spec such as "@every 1h" or "0 3 * * *".
	SweepSchedule string `yaml:"sweep_schedule"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// AuthToken, when set, is required as a bearer token on every
	// endpoint except health and metrics.
	AuthToken string `yaml:"auth_token"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`

	// StatsInterval is the period, in seconds, of broker and delivery
	// stats points.
	StatsInterval int `yaml:"stats_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Path returns the config file path from MQTTPUB_CONFIG, or the default.
func Path() string {
	if v := os.Getenv("MQTTPUB_CONFIG"); v != "" {
		return v
	}
	return defaultConfPath
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTPUB_SECTION_KEY
// For example: MQTTPUB_DATABASE_PATH, MQTTPUB_BROKER_HOST
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyBrokerDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/mqttpub.db",
			WALMode:     true,
			BusyTimeout: 5,
			Synchronous: "full",
		},
		Queue: QueueConfig{
			Size: 65536,
		},
		Delivery: DeliveryConfig{
			BatchSize:           500,
			PollIntervalMS:      100,
			PublishTimeoutMS:    5000,
			ReconnectIntervalMS: 5000,
			KeepaliveIntervalMS: 10000,
			MaxAttempts:         5,
			BackoffBaseMS:       1000,
			BackoffCapMS:        30000,
		},
		DeadLetter: DeadLetterConfig{
			RetainDays:    30,
			SweepSchedule: "@every 1h",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
			StatsInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyBrokerDefaults adds the default broker when none are configured and
// fills unset ports.
func (c *Config) applyBrokerDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []BrokerConfig{{Name: broker.DefaultName, Host: "localhost", Port: 1883}}
	}
	for i := range c.Brokers {
		if c.Brokers[i].Port == 0 {
			c.Brokers[i].Port = 1883
			if c.Brokers[i].TLS {
				c.Brokers[i].Port = 8883
			}
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Broker overrides apply to the broker named "default" when present.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MQTTPUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Default broker
	if b := cfg.findBroker(broker.DefaultName); b != nil {
		if v := os.Getenv("MQTTPUB_BROKER_HOST"); v != "" {
			b.Host = v
		}
		if v := os.Getenv("MQTTPUB_BROKER_USERNAME"); v != "" {
			b.Username = v
		}
		if v := os.Getenv("MQTTPUB_BROKER_PASSWORD"); v != "" {
			b.Password = v
		}
	}

	// API
	if v := os.Getenv("MQTTPUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("MQTTPUB_API_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}

	// InfluxDB
	if v := os.Getenv("MQTTPUB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

func (c *Config) findBroker(name string) *BrokerConfig {
	for i := range c.Brokers {
		if c.Brokers[i].Name == name {
			return &c.Brokers[i]
		}
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	switch strings.ToLower(c.Database.Synchronous) {
	case "full", "normal":
	default:
		errs = append(errs, "database.synchronous must be full or normal")
	}

	errs = append(errs, c.validateBrokers()...)

	// Queue validation
	if c.Queue.Size < minQueueSize {
		errs = append(errs, fmt.Sprintf("queue.size must be at least %d", minQueueSize))
	}

	// Delivery validation
	d := c.Delivery
	if d.BatchSize < 1 {
		errs = append(errs, "delivery.batch_size must be positive")
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"poll_interval_ms", d.PollIntervalMS},
		{"publish_timeout_ms", d.PublishTimeoutMS},
		{"reconnect_interval_ms", d.ReconnectIntervalMS},
		{"keepalive_interval_ms", d.KeepaliveIntervalMS},
		{"backoff_base_ms", d.BackoffBaseMS},
		{"backoff_cap_ms", d.BackoffCapMS},
	} {
		if f.v < 1 {
			errs = append(errs, fmt.Sprintf("delivery.%s must be positive", f.name))
		}
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, "delivery.max_attempts must be at least 1")
	}
	if d.BackoffCapMS < d.BackoffBaseMS {
		errs = append(errs, "delivery.backoff_cap_ms must not be below backoff_base_ms")
	}

	// Dead-letter validation
	if c.DeadLetter.RetainDays < 1 {
		errs = append(errs, "dead_letter.retain_days must be at least 1")
	}

	// API validation; port 0 binds an ephemeral port
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when enabled")
		}
		if c.InfluxDB.Bucket == "" || c.InfluxDB.Org == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when enabled")
		}
		if c.InfluxDB.StatsInterval < 1 {
			errs = append(errs, "influxdb.stats_interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBrokers() []string {
	var errs []string

	active := 0
	seen := make(map[string]bool)
	for i, b := range c.Brokers {
		if err := b.ToBroker().Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("brokers[%d]: %v", i, err))
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("brokers[%d]: name %q is duplicated", i, b.Name))
		}
		seen[b.Name] = true

		if b.IsActive() {
			active++
		}
	}
	if active > broker.MaxBrokers {
		errs = append(errs, fmt.Sprintf("at most %d active brokers are supported", broker.MaxBrokers))
	}
	return errs
}

// PollInterval returns delivery.poll_interval_ms as a Duration.
func (d DeliveryConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

// PublishTimeout returns delivery.publish_timeout_ms as a Duration.
func (d DeliveryConfig) PublishTimeout() time.Duration {
	return time.Duration(d.PublishTimeoutMS) * time.Millisecond
}

// ReconnectInterval returns delivery.reconnect_interval_ms as a Duration.
func (d DeliveryConfig) ReconnectInterval() time.Duration {
	return time.Duration(d.ReconnectIntervalMS) * time.Millisecond
}

// KeepaliveInterval returns delivery.keepalive_interval_ms as a Duration.
func (d DeliveryConfig) KeepaliveInterval() time.Duration {
	return time.Duration(d.KeepaliveIntervalMS) * time.Millisecond
}

// BackoffBase returns delivery.backoff_base_ms as a Duration.
func (d DeliveryConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns delivery.backoff_cap_ms as a Duration.
func (d DeliveryConfig) BackoffCap() time.Duration {
	return time.Duration(d.BackoffCapMS) * time.Millisecond
}

// Retention returns dead_letter.retain_days as a Duration.
func (d DeadLetterConfig) Retention() time.Duration {
	return time.Duration(d.RetainDays) * 24 * time.Hour
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
