package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/ledlink/internal/ble"
	"github.com/chaz8081/ledlink/internal/transfer"
)

// Config holds all application configuration.
type Config struct {
	Device       DeviceConfig      `yaml:"device"`
	IdentityPath string            `yaml:"identity_path"`
	Connection   ConnectionConfig  `yaml:"connection"`
	Negotiation  NegotiationConfig `yaml:"negotiation"`
	Bonding      BondingConfig     `yaml:"bonding"`
	Transfer     TransferConfig    `yaml:"transfer"`
	LogLevel     string            `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and its characteristics.
type DeviceConfig struct {
	Name          string `yaml:"name"`
	ServiceUUID   string `yaml:"service_uuid"`
	ControlChar   string `yaml:"control_char"`
	TelemetryChar string `yaml:"telemetry_char"` // empty disables notifications
	TransferChar  string `yaml:"transfer_char"`
}

// ConnectionConfig holds lifecycle timings.
type ConnectionConfig struct {
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
}

// NegotiationConfig holds MTU and PHY negotiation settings.
type NegotiationConfig struct {
	MTUTiers   []int         `yaml:"mtu_tiers"`
	MTUTimeout time.Duration `yaml:"mtu_timeout"`
	PHYTimeout time.Duration `yaml:"phy_timeout"`
}

// BondingConfig controls automatic pairing.
type BondingConfig struct {
	Auto          bool `yaml:"auto"`
	AfterConnects int  `yaml:"after_connects"`
}

// TransferConfig holds chunked transfer retries and pacing.
type TransferConfig struct {
	HeaderRetries      int           `yaml:"header_retries"`
	DataRetries        int           `yaml:"data_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	HeaderSettle       time.Duration `yaml:"header_settle"`
	PacketDelay        time.Duration `yaml:"packet_delay"`
	BatchSize          int           `yaml:"batch_size"`
	BatchDelay         time.Duration `yaml:"batch_delay"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	CapacityMultiplier int           `yaml:"capacity_multiplier"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ledlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:          ble.DefaultDeviceName,
			ServiceUUID:   ble.ServiceUUID,
			ControlChar:   ble.ControlCharUUID,
			TelemetryChar: ble.TelemetryCharUUID,
			TransferChar:  ble.GIFCharUUID,
		},
		IdentityPath: filepath.Join(DefaultConfigDir(), "identity.yaml"),
		Connection: ConnectionConfig{
			ScanTimeout:      8 * time.Second,
			ConnectTimeout:   12 * time.Second,
			DiscoveryTimeout: 15 * time.Second,
			MaxRetries:       3,
			RetryDelay:       2 * time.Second,
			MonitorInterval:  5 * time.Second,
		},
		Negotiation: NegotiationConfig{
			MTUTiers:   []int{512, 256},
			MTUTimeout: 5 * time.Second,
			PHYTimeout: 5 * time.Second,
		},
		Bonding: BondingConfig{
			Auto:          true,
			AfterConnects: ble.DefaultBondAfterConnects,
		},
		Transfer: TransferConfig{
			HeaderRetries:      5,
			DataRetries:        3,
			RetryDelay:         100 * time.Millisecond,
			HeaderSettle:       800 * time.Millisecond,
			PacketDelay:        50 * time.Millisecond,
			BatchSize:          10,
			BatchDelay:         200 * time.Millisecond,
			WriteTimeout:       2 * time.Second,
			CapacityMultiplier: 1024,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in identity_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.IdentityPath = expandTilde(cfg.IdentityPath)

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults
// otherwise.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

const defaultHeader = `# ledlink configuration
# Durations use Go syntax: 500ms, 8s, 1m.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Name) == "" {
		return fmt.Errorf("device.name must not be empty")
	}

	uuids := []struct {
		field    string
		value    string
		optional bool
	}{
		{"device.service_uuid", c.Device.ServiceUUID, false},
		{"device.control_char", c.Device.ControlChar, false},
		{"device.telemetry_char", c.Device.TelemetryChar, true},
		{"device.transfer_char", c.Device.TransferChar, false},
	}
	for _, u := range uuids {
		if u.value == "" && u.optional {
			continue
		}
		if _, err := uuid.Parse(u.value); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q: %w", u.field, u.value, err)
		}
	}

	if c.IdentityPath == "" {
		return fmt.Errorf("identity_path must not be empty")
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"connection.scan_timeout", c.Connection.ScanTimeout},
		{"connection.connect_timeout", c.Connection.ConnectTimeout},
		{"connection.discovery_timeout", c.Connection.DiscoveryTimeout},
		{"connection.monitor_interval", c.Connection.MonitorInterval},
		{"negotiation.mtu_timeout", c.Negotiation.MTUTimeout},
		{"negotiation.phy_timeout", c.Negotiation.PHYTimeout},
		{"transfer.write_timeout", c.Transfer.WriteTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.field)
		}
	}

	if c.Connection.MaxRetries < 1 {
		return fmt.Errorf("connection.max_retries must be >= 1")
	}
	if c.Connection.RetryDelay < 0 {
		return fmt.Errorf("connection.retry_delay must not be negative")
	}

	if len(c.Negotiation.MTUTiers) == 0 {
		return fmt.Errorf("negotiation.mtu_tiers must not be empty")
	}
	for i, mtu := range c.Negotiation.MTUTiers {
		if mtu < ble.DefaultMTU || mtu > ble.MaxMTU {
			return fmt.Errorf("negotiation.mtu_tiers[%d] must be between %d and %d, got %d", i, ble.DefaultMTU, ble.MaxMTU, mtu)
		}
		if i > 0 && mtu >= c.Negotiation.MTUTiers[i-1] {
			return fmt.Errorf("negotiation.mtu_tiers must be strictly descending")
		}
	}

	if c.Bonding.AfterConnects < 1 {
		return fmt.Errorf("bonding.after_connects must be >= 1")
	}

	t := c.Transfer
	if t.HeaderRetries < 0 || t.DataRetries < 0 {
		return fmt.Errorf("transfer retries must not be negative")
	}
	if t.RetryDelay < 0 || t.HeaderSettle < 0 || t.PacketDelay < 0 || t.BatchDelay < 0 {
		return fmt.Errorf("transfer delays must not be negative")
	}
	if t.BatchSize < 0 {
		return fmt.Errorf("transfer.batch_size must not be negative")
	}
	if t.CapacityMultiplier < 1 {
		return fmt.Errorf("transfer.capacity_multiplier must be >= 1")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// TransferOptions converts the transfer section for the transfer engine.
func (c *Config) TransferOptions() transfer.Options {
	return transfer.Options{
		HeaderRetries:      c.Transfer.HeaderRetries,
		DataRetries:        c.Transfer.DataRetries,
		RetryDelay:         c.Transfer.RetryDelay,
		HeaderSettle:       c.Transfer.HeaderSettle,
		PacketDelay:        c.Transfer.PacketDelay,
		BatchSize:          c.Transfer.BatchSize,
		BatchDelay:         c.Transfer.BatchDelay,
		CapacityMultiplier: c.Transfer.CapacityMultiplier,
	}
}

// ManagerOptions converts the config for the connection manager. UUIDs are
// normalized to lower case.
func (c *Config) ManagerOptions() ble.Options {
	return ble.Options{
		DeviceName:        c.Device.Name,
		ServiceUUID:       normalizeUUID(c.Device.ServiceUUID),
		ControlCharUUID:   normalizeUUID(c.Device.ControlChar),
		TelemetryCharUUID: normalizeUUID(c.Device.TelemetryChar),
		TransferCharUUID:  normalizeUUID(c.Device.TransferChar),
		ScanTimeout:       c.Connection.ScanTimeout,
		ConnectTimeout:    c.Connection.ConnectTimeout,
		DiscoveryTimeout:  c.Connection.DiscoveryTimeout,
		MaxRetries:        c.Connection.MaxRetries,
		RetryDelay:        c.Connection.RetryDelay,
		MonitorInterval:   c.Connection.MonitorInterval,
		MTUTiers:          append([]int(nil), c.Negotiation.MTUTiers...),
		MTUTimeout:        c.Negotiation.MTUTimeout,
		PHYTimeout:        c.Negotiation.PHYTimeout,
		WriteTimeout:      c.Transfer.WriteTimeout,
		Bonding: ble.BondPolicy{
			Auto:          c.Bonding.Auto,
			AfterConnects: c.Bonding.AfterConnects,
		},
		Transfer: c.TransferOptions(),
	}
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func normalizeUUID(s string) string {
	if s == "" {
		return ""
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	return strings.ToLower(s)
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
