package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// withCredentials fills the required upstream settings so validation can
// pass; individual tests override what they probe.
func withCredentials(cfg *Config) *Config {
	cfg.SAP.URL = "https://sap.example.com/audit?sap-client=100"
	cfg.SAP.Username = "RELAYUSER"
	cfg.SAP.Password = "relaypass"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.SAP.MaxRetries != 5 {
		t.Errorf("expected MaxRetries 5, got %d", cfg.SAP.MaxRetries)
	}
	if cfg.SAP.Timeout != 60*time.Second {
		t.Errorf("expected per-attempt Timeout 60s, got %v", cfg.SAP.Timeout)
	}
	if cfg.SAP.Timezone != DefaultTimezone {
		t.Errorf("expected Timezone %s, got %s", DefaultTimezone, cfg.SAP.Timezone)
	}
	if !cfg.SAP.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify to default to true")
	}

	if cfg.Archive.MaxSizeBytes != 10*1024*1024 {
		t.Errorf("expected rotation threshold 10 MiB, got %d", cfg.Archive.MaxSizeBytes)
	}
	if cfg.Archive.BackupMaxAge != time.Hour {
		t.Errorf("expected backup max age 1h, got %v", cfg.Archive.BackupMaxAge)
	}
	if got := cfg.Archive.BackupPath(); got != cfg.Archive.Path+".1" {
		t.Errorf("expected backup path %s.1, got %s", cfg.Archive.Path, got)
	}

	if cfg.Forward.Address != "127.0.0.1:12225" {
		t.Errorf("expected forward address 127.0.0.1:12225, got %s", cfg.Forward.Address)
	}
	if cfg.Forward.Protocol != "tcp" {
		t.Errorf("expected protocol tcp, got %s", cfg.Forward.Protocol)
	}
	if cfg.Forward.ConnectTimeout != 10*time.Second {
		t.Errorf("expected connect timeout 10s, got %v", cfg.Forward.ConnectTimeout)
	}

	if cfg.Poll.Interval != 60*time.Second {
		t.Errorf("expected poll interval 60s, got %v", cfg.Poll.Interval)
	}
	if cfg.Poll.InitialLookback != 24*time.Hour {
		t.Errorf("expected initial lookback 24h, got %v", cfg.Poll.InitialLookback)
	}

	if cfg.Dedup.Redis.Enabled || cfg.Forward.Kafka.Enabled ||
		cfg.Storage.ClickHouse.Enabled || cfg.Archive.S3.Enabled {
		t.Error("optional sinks must default to disabled")
	}
}

func TestDefaultConfigValidatesWithCredentials(t *testing.T) {
	cfg := withCredentials(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with credentials should validate, got: %v", err)
	}
	if cfg.Location().String() != DefaultTimezone {
		t.Errorf("expected resolved location %s, got %s", DefaultTimezone, cfg.Location())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.SAP.URL = "" }},
		{"missing username", func(c *Config) { c.SAP.Username = "" }},
		{"missing password", func(c *Config) { c.SAP.Password = "" }},
		{"bad forward address", func(c *Config) { c.Forward.Address = "nonsense" }},
		{"bad protocol", func(c *Config) { c.Forward.Protocol = "udp" }},
		{"zero retries", func(c *Config) { c.SAP.MaxRetries = 0 }},
		{"redis enabled without key", func(c *Config) {
			c.Dedup.Redis.Enabled = true
			c.Dedup.Redis.Key = ""
		}},
		{"kafka enabled without brokers", func(c *Config) {
			c.Forward.Kafka.Enabled = true
			c.Forward.Kafka.Brokers = nil
		}},
		{"s3 enabled without bucket", func(c *Config) {
			c.Archive.S3.Enabled = true
			c.Archive.S3.Bucket = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := withCredentials(DefaultConfig())
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidateTimezoneFallback(t *testing.T) {
	cfg := withCredentials(DefaultConfig())
	cfg.SAP.Timezone = "Not/AZone"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unknown timezone must not fail validation, got: %v", err)
	}
	if cfg.Location().String() != DefaultTimezone {
		t.Errorf("expected fallback to %s, got %s", DefaultTimezone, cfg.Location())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
sap:
  url: https://sap.internal/audit?sap-client=800
  username: FILEUSER
  password: filepass
  timezone: Europe/Berlin
archive:
  path: ` + filepath.Join(dir, "audit.txt") + `
forward:
  address: 10.0.0.5:12225
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SAP.Username != "FILEUSER" {
		t.Errorf("expected file username, got %s", cfg.SAP.Username)
	}
	if cfg.SAP.Timezone != "Europe/Berlin" {
		t.Errorf("expected file timezone, got %s", cfg.SAP.Timezone)
	}
	if cfg.Forward.Address != "10.0.0.5:12225" {
		t.Errorf("expected file forward address, got %s", cfg.Forward.Address)
	}

	// Untouched sections keep their defaults.
	if cfg.SAP.MaxRetries != 5 {
		t.Errorf("expected default MaxRetries preserved, got %d", cfg.SAP.MaxRetries)
	}
	if cfg.Poll.Interval != 60*time.Second {
		t.Errorf("expected default poll interval preserved, got %v", cfg.Poll.Interval)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config should validate: %v", err)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("expected resolved location Europe/Berlin, got %s", cfg.Location())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("missing file should not error, got: %v", err)
	}
	if cfg.Archive.Path != "/opt/sap/logs/audit.txt" {
		t.Errorf("expected default audit path, got %s", cfg.Archive.Path)
	}
}

func TestLoadUnparseableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sap: [not: closed"), 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(EnvConfigPath, path)

	if _, err := Load(); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
sap:
  url: https://sap.internal/audit
  username: FILEUSER
  password: filepass
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv(EnvConfigPath, path)
	t.Setenv("RELAY_SAP_USERNAME", "ENVUSER")
	t.Setenv("RELAY_SAP_PASSWORD", "envpass")
	t.Setenv("RELAY_FORWARD_ADDRESS", "192.168.1.9:9999")
	t.Setenv("RELAY_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RELAY_LOG_LEVEL", "WARN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SAP.Username != "ENVUSER" {
		t.Errorf("expected env username override, got %s", cfg.SAP.Username)
	}
	if cfg.SAP.Password != "envpass" {
		t.Errorf("expected env password override, got %s", cfg.SAP.Password)
	}
	if cfg.Forward.Address != "192.168.1.9:9999" {
		t.Errorf("expected env forward address, got %s", cfg.Forward.Address)
	}
	if len(cfg.Forward.Kafka.Brokers) != 2 || cfg.Forward.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected env brokers split on comma, got %v", cfg.Forward.Kafka.Brokers)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected lowercased env log level, got %s", cfg.Log.Level)
	}
}
