// Package config holds the relay configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "RELAY_CONFIG_PATH"

// DefaultTimezone is used when no timezone is configured or the configured
// zone does not resolve. Falling back must not stop log shipping.
const DefaultTimezone = "Asia/Dubai"

var validate = validator.New()

// Config holds the complete relay configuration.
type Config struct {
	SAP     SAPConfig     `yaml:"sap"`
	Archive ArchiveConfig `yaml:"archive"`
	Forward ForwardConfig `yaml:"forward"`
	Poll    PollConfig    `yaml:"poll"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Storage StorageConfig `yaml:"storage"`
	Status  StatusConfig  `yaml:"status"`
	Log     LogConfig     `yaml:"log"`

	location *time.Location
}

// SAPConfig describes the upstream audit-log API.
type SAPConfig struct {
	URL      string `yaml:"url" validate:"required,url"` // may already carry query parameters
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`

	// Timezone names the zone used to format query windows. Unresolvable
	// values fall back to DefaultTimezone with a warning.
	Timezone string `yaml:"timezone"`

	Timeout    time.Duration `yaml:"timeout" validate:"min=1s,max=10m"` // per attempt
	MaxRetries int           `yaml:"max_retries" validate:"min=1,max=10"`

	// RetryBackoff is the base unit b of the backoff schedule b*2^attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"min=1ms"`

	// InsecureSkipVerify disables certificate validation. On by default:
	// the upstream deployments this relay targets run self-signed.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ArchiveConfig describes the local audit file.
type ArchiveConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	MaxSizeBytes int64         `yaml:"max_size_bytes" validate:"min=1024"`
	BackupMaxAge time.Duration `yaml:"backup_max_age" validate:"min=1s"`
	S3           S3Config      `yaml:"s3"`
}

// BackupPath derives the single backup generation's path.
func (c ArchiveConfig) BackupPath() string {
	return c.Path + ".1"
}

// S3Config enables offloading rotated backups to object storage.
type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"` // for S3-compatible stores
	UsePathStyle    bool          `yaml:"use_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UploadTimeout   time.Duration `yaml:"upload_timeout" validate:"min=0"`
}

// ForwardConfig describes the downstream delivery channel.
type ForwardConfig struct {
	Address  string `yaml:"address" validate:"required,hostname_port"`
	Protocol string `yaml:"protocol" validate:"oneof=tcp tls dtls"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"min=1s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"min=0"` // 0 keeps the OS default
	KeepAlive      time.Duration `yaml:"keep_alive" validate:"min=0"`

	TLS   TLSConfig   `yaml:"tls"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// TLSConfig holds certificate material for the tls and dtls transports.
type TLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
}

// KafkaConfig enables mirroring forwarded records to a Kafka topic.
type KafkaConfig struct {
	Enabled bool          `yaml:"enabled"`
	Brokers []string      `yaml:"brokers" validate:"required_if=Enabled true,omitempty,dive,hostname_port"`
	Topic   string        `yaml:"topic" validate:"required_if=Enabled true"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// PollConfig describes the fetch schedule.
type PollConfig struct {
	Interval        time.Duration `yaml:"interval" validate:"min=1s"`
	InitialLookback time.Duration `yaml:"initial_lookback" validate:"min=1m"`
}

// DedupConfig carries optional fingerprint persistence.
type DedupConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables mirroring fingerprints into a Redis set so they
// survive rotation and restarts. Off by default: unless an operator opts
// in, the current audit file remains the only replay source.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"min=0,max=15"`
	Key      string        `yaml:"key" validate:"required_if=Enabled true"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=0"`
}

// StorageConfig carries optional analytical sinks.
type StorageConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig enables mirroring admitted records into ClickHouse.
type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Hosts         []string      `yaml:"hosts" validate:"required_if=Enabled true,omitempty,dive,hostname_port"`
	Database      string        `yaml:"database"`
	Table         string        `yaml:"table"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DialTimeout   time.Duration `yaml:"dial_timeout" validate:"min=0"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1,max=100000"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=100ms"`
}

// StatusConfig controls the status snapshot file read by relay-monitor.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns the configuration the relay runs with when no file
// and no environment overrides are present. The operational constants here
// are the contract: 5 attempts x 60s per fetch, 60s polling, 10 MiB
// rotation, 1h backup retention, 24h initial lookback, 10s connects.
func DefaultConfig() *Config {
	return &Config{
		SAP: SAPConfig{
			Timezone:           DefaultTimezone,
			Timeout:            60 * time.Second,
			MaxRetries:         5,
			RetryBackoff:       time.Second,
			InsecureSkipVerify: true,
		},
		Archive: ArchiveConfig{
			Path:         "/opt/sap/logs/audit.txt",
			MaxSizeBytes: 10 * 1024 * 1024,
			BackupMaxAge: time.Hour,
			S3: S3Config{
				Enabled:       false,
				Prefix:        "sap-audit",
				UploadTimeout: 60 * time.Second,
			},
		},
		Forward: ForwardConfig{
			Address:        "127.0.0.1:12225",
			Protocol:       "tcp",
			ConnectTimeout: 10 * time.Second,
			WriteTimeout:   0,
			KeepAlive:      30 * time.Second,
			Kafka: KafkaConfig{
				Enabled: false,
				Topic:   "sap-audit",
				Timeout: 10 * time.Second,
			},
		},
		Poll: PollConfig{
			Interval:        60 * time.Second,
			InitialLookback: 24 * time.Hour,
		},
		Dedup: DedupConfig{
			Redis: RedisConfig{
				Enabled: false,
				Addr:    "localhost:6379",
				Key:     "sap-audit-relay:fingerprints",
				Timeout: 2 * time.Second,
			},
		},
		Storage: StorageConfig{
			ClickHouse: ClickHouseConfig{
				Enabled:       false,
				Hosts:         []string{"localhost:9000"},
				Database:      "relay",
				Table:         "audit_events",
				DialTimeout:   10 * time.Second,
				BatchSize:     500,
				FlushInterval: 5 * time.Second,
			},
		},
		Status: StatusConfig{
			Enabled: true,
			Path:    "/opt/sap/logs/relay-status.json",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file (RELAY_CONFIG_PATH, default
// configs/config.yaml) over the defaults and applies environment
// overrides. A missing file is not an error; Validate decides whether the
// resulting config is runnable.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets deployment environments inject values, secrets in
// particular, without touching the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAY_SAP_URL"); v != "" {
		c.SAP.URL = v
	}
	if v := os.Getenv("RELAY_SAP_USERNAME"); v != "" {
		c.SAP.Username = v
	}
	if v := os.Getenv("RELAY_SAP_PASSWORD"); v != "" {
		c.SAP.Password = v
	}
	if v := os.Getenv("RELAY_SAP_TIMEZONE"); v != "" {
		c.SAP.Timezone = v
	}
	if v := os.Getenv("RELAY_FORWARD_ADDRESS"); v != "" {
		c.Forward.Address = v
	}
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		c.Dedup.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		c.Dedup.Redis.Password = v
	}
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		c.Forward.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate checks the configuration and resolves the timezone. Credential
// and address problems are fatal to startup; an unknown timezone only
// warns and falls back.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	zone := c.SAP.Timezone
	if zone == "" {
		zone = DefaultTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		slog.Warn("unknown timezone, falling back", "timezone", zone, "fallback", DefaultTimezone)
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			slog.Warn("fallback timezone unavailable, using UTC", "fallback", DefaultTimezone)
			loc = time.UTC
		}
	}
	c.location = loc

	return nil
}

// Location returns the timezone resolved by Validate, UTC before that.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}
