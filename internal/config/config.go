package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Transport selection for the device connection.
const (
	TransportModbus = "modbus"
	TransportCloud  = "cloud"
)

// ModbusConfig describes the local Modbus TCP connection to the heat pump.
type ModbusConfig struct {
	Address      string   `yaml:"address"`
	UnitID       uint8    `yaml:"unit_id"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	MaxBatchSize int      `yaml:"max_batch_size,omitempty"`
	MaxGap       int      `yaml:"max_gap,omitempty"`
}

// CloudConfig describes the vendor portal connection.
type CloudConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// RetryConfig tunes transport-level retry behaviour.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
	BaseDelay   Duration `yaml:"base_delay,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty"`
	Multiplier  float64  `yaml:"multiplier,omitempty"`
}

// DeviceConfig selects and configures the transport.
type DeviceConfig struct {
	Transport string       `yaml:"transport"`
	Modbus    ModbusConfig `yaml:"modbus,omitempty"`
	Cloud     CloudConfig  `yaml:"cloud,omitempty"`
	Retry     RetryConfig  `yaml:"retry,omitempty"`
}

// PollingConfig tunes the acquisition loop.
type PollingConfig struct {
	Interval         Duration `yaml:"interval,omitempty"`
	FailureThreshold int      `yaml:"failure_threshold,omitempty"`
}

// CatalogConfig points at an optional register catalog overlay.
type CatalogConfig struct {
	OverlayPath string `yaml:"overlay_path,omitempty"`
}

// FeatureRuleConfig overrides one subsystem detection rule.
type FeatureRuleConfig struct {
	Flag       string `yaml:"flag"`
	Expression string `yaml:"expression"`
}

// HistoryConfig enables snapshot persistence.
type HistoryConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Path      string   `yaml:"path,omitempty"`
	Retention Duration `yaml:"retention,omitempty"`
}

// ServerConfig exposes the HTTP API and metrics endpoint.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// Config is the root configuration structure for the gateway.
type Config struct {
	HotReload bool                `yaml:"hot_reload,omitempty"`
	Logging   LoggingConfig       `yaml:"logging"`
	Device    DeviceConfig        `yaml:"device"`
	Polling   PollingConfig       `yaml:"polling"`
	Catalog   CatalogConfig       `yaml:"catalog,omitempty"`
	Features  []FeatureRuleConfig `yaml:"features,omitempty"`
	History   HistoryConfig       `yaml:"history,omitempty"`
	Server    ServerConfig        `yaml:"server,omitempty"`
}

// Load reads, decodes and validates the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration that would otherwise only
// fail at runtime, so a broken file is rejected at startup.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Device.Transport) {
	case TransportModbus:
		if c.Device.Modbus.Address == "" {
			return fmt.Errorf("config: device.modbus.address is required for modbus transport")
		}
	case TransportCloud:
		if c.Device.Cloud.BaseURL == "" {
			return fmt.Errorf("config: device.cloud.base_url is required for cloud transport")
		}
		if c.Device.Cloud.Username == "" || c.Device.Cloud.Password == "" {
			return fmt.Errorf("config: device.cloud credentials are required for cloud transport")
		}
	case "":
		return fmt.Errorf("config: device.transport must be %q or %q", TransportModbus, TransportCloud)
	default:
		return fmt.Errorf("config: unknown device.transport %q", c.Device.Transport)
	}
	if c.Device.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: device.retry.max_attempts must not be negative")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("config: history.path is required when history is enabled")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("config: server.listen is required when the server is enabled")
	}
	for _, rule := range c.Features {
		if rule.Flag == "" || rule.Expression == "" {
			return fmt.Errorf("config: feature rules need both flag and expression")
		}
	}
	return nil
}

// PollInterval returns the configured poll interval.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Polling.Interval.Duration <= 0 {
		return time.Minute
	}
	return c.Polling.Interval.Duration
}
