package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/ledlink/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Name != "MyLED" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "MyLED")
	}
	if cfg.Device.ServiceUUID != ble.ServiceUUID {
		t.Errorf("Device.ServiceUUID = %q, want %q", cfg.Device.ServiceUUID, ble.ServiceUUID)
	}
	if cfg.Device.TransferChar != ble.GIFCharUUID {
		t.Errorf("Device.TransferChar = %q, want %q", cfg.Device.TransferChar, ble.GIFCharUUID)
	}
	if cfg.Connection.MaxRetries != 3 {
		t.Errorf("Connection.MaxRetries = %d, want 3", cfg.Connection.MaxRetries)
	}
	if cfg.Connection.ScanTimeout != 8*time.Second {
		t.Errorf("Connection.ScanTimeout = %v, want 8s", cfg.Connection.ScanTimeout)
	}
	if len(cfg.Negotiation.MTUTiers) != 2 || cfg.Negotiation.MTUTiers[0] != 512 {
		t.Errorf("Negotiation.MTUTiers = %v, want [512 256]", cfg.Negotiation.MTUTiers)
	}
	if !cfg.Bonding.Auto || cfg.Bonding.AfterConnects != 3 {
		t.Errorf("Bonding = %+v, want auto after 3", cfg.Bonding)
	}
	if cfg.Transfer.HeaderRetries != 5 || cfg.Transfer.DataRetries != 3 {
		t.Errorf("Transfer retries = %d/%d, want 5/3", cfg.Transfer.HeaderRetries, cfg.Transfer.DataRetries)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  name: Matrix-2
identity_path: /tmp/ledlink-identity.yaml
connection:
  scan_timeout: 3s
  max_retries: 5
negotiation:
  mtu_tiers: [247, 185]
bonding:
  auto: false
transfer:
  packet_delay: 20ms
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Name != "Matrix-2" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "Matrix-2")
	}
	if cfg.Device.ControlChar != ble.ControlCharUUID {
		t.Errorf("Device.ControlChar = %q, want default", cfg.Device.ControlChar)
	}
	if cfg.IdentityPath != "/tmp/ledlink-identity.yaml" {
		t.Errorf("IdentityPath = %q", cfg.IdentityPath)
	}
	if cfg.Connection.ScanTimeout != 3*time.Second {
		t.Errorf("Connection.ScanTimeout = %v, want 3s", cfg.Connection.ScanTimeout)
	}
	if cfg.Connection.ConnectTimeout != 12*time.Second {
		t.Errorf("Connection.ConnectTimeout = %v, want default 12s", cfg.Connection.ConnectTimeout)
	}
	if cfg.Connection.MaxRetries != 5 {
		t.Errorf("Connection.MaxRetries = %d, want 5", cfg.Connection.MaxRetries)
	}
	if len(cfg.Negotiation.MTUTiers) != 2 || cfg.Negotiation.MTUTiers[1] != 185 {
		t.Errorf("Negotiation.MTUTiers = %v, want [247 185]", cfg.Negotiation.MTUTiers)
	}
	if cfg.Bonding.Auto {
		t.Error("Bonding.Auto should be false")
	}
	if cfg.Transfer.PacketDelay != 20*time.Millisecond {
		t.Errorf("Transfer.PacketDelay = %v, want 20ms", cfg.Transfer.PacketDelay)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
identity_path: ~/led/identity.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "led/identity.yaml")
	if cfg.IdentityPath != expected {
		t.Errorf("IdentityPath = %q, want %q", cfg.IdentityPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Device.Name != ble.DefaultDeviceName {
		t.Errorf("Device.Name = %q, want default", cfg.Device.Name)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("connection: [nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrDefault(bad); err == nil {
		t.Error("LoadOrDefault() should surface parse errors")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty device name",
			modify:  func(c *Config) { c.Device.Name = "  " },
			wantErr: true,
		},
		{
			name:    "malformed service uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "empty control char",
			modify:  func(c *Config) { c.Device.ControlChar = "" },
			wantErr: true,
		},
		{
			name:    "telemetry disabled",
			modify:  func(c *Config) { c.Device.TelemetryChar = "" },
			wantErr: false,
		},
		{
			name:    "upper case uuid",
			modify:  func(c *Config) { c.Device.TransferChar = strings.ToUpper(ble.GIFCharUUID) },
			wantErr: false,
		},
		{
			name:    "empty identity path",
			modify:  func(c *Config) { c.IdentityPath = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Connection.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero max retries",
			modify:  func(c *Config) { c.Connection.MaxRetries = 0 },
			wantErr: true,
		},
		{
			name:    "zero retry delay",
			modify:  func(c *Config) { c.Connection.RetryDelay = 0 },
			wantErr: false,
		},
		{
			name:    "empty mtu tiers",
			modify:  func(c *Config) { c.Negotiation.MTUTiers = nil },
			wantErr: true,
		},
		{
			name:    "mtu above ceiling",
			modify:  func(c *Config) { c.Negotiation.MTUTiers = []int{517} },
			wantErr: true,
		},
		{
			name:    "mtu below floor",
			modify:  func(c *Config) { c.Negotiation.MTUTiers = []int{512, 20} },
			wantErr: true,
		},
		{
			name:    "mtu tiers ascending",
			modify:  func(c *Config) { c.Negotiation.MTUTiers = []int{256, 512} },
			wantErr: true,
		},
		{
			name:    "zero bond threshold",
			modify:  func(c *Config) { c.Bonding.AfterConnects = 0 },
			wantErr: true,
		},
		{
			name:    "negative data retries",
			modify:  func(c *Config) { c.Transfer.DataRetries = -1 },
			wantErr: true,
		},
		{
			name:    "negative packet delay",
			modify:  func(c *Config) { c.Transfer.PacketDelay = -time.Millisecond },
			wantErr: true,
		},
		{
			name:    "zero capacity multiplier",
			modify:  func(c *Config) { c.Transfer.CapacityMultiplier = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "ledlink", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	if !strings.HasPrefix(string(data), "# ledlink") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	if cfg.Device.Name != ble.DefaultDeviceName {
		t.Errorf("written config Device.Name = %q, want %q", cfg.Device.Name, ble.DefaultDeviceName)
	}
	if cfg.Transfer.HeaderSettle != 800*time.Millisecond {
		t.Errorf("written config Transfer.HeaderSettle = %v, want 800ms", cfg.Transfer.HeaderSettle)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "ledlink")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("device:\n  name: Custom\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestManagerOptions(t *testing.T) {
	cfg := Default()
	cfg.Device.ControlChar = strings.ToUpper(ble.ControlCharUUID)
	cfg.Device.TelemetryChar = ""
	cfg.Connection.RetryDelay = 750 * time.Millisecond
	cfg.Transfer.WriteTimeout = time.Second
	cfg.Bonding.AfterConnects = 7

	opts := cfg.ManagerOptions()

	if opts.ControlCharUUID != ble.ControlCharUUID {
		t.Errorf("ControlCharUUID = %q, want lower-case %q", opts.ControlCharUUID, ble.ControlCharUUID)
	}
	if opts.TelemetryCharUUID != "" {
		t.Errorf("TelemetryCharUUID = %q, want empty", opts.TelemetryCharUUID)
	}
	if opts.RetryDelay != 750*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 750ms", opts.RetryDelay)
	}
	if opts.WriteTimeout != time.Second {
		t.Errorf("WriteTimeout = %v, want 1s", opts.WriteTimeout)
	}
	if opts.Bonding.AfterConnects != 7 || !opts.Bonding.Auto {
		t.Errorf("Bonding = %+v", opts.Bonding)
	}
	if opts.Transfer.BatchSize != cfg.Transfer.BatchSize {
		t.Errorf("Transfer.BatchSize = %d, want %d", opts.Transfer.BatchSize, cfg.Transfer.BatchSize)
	}

	// Options must not alias the config's slice.
	opts.MTUTiers[0] = 100
	if cfg.Negotiation.MTUTiers[0] != 512 {
		t.Error("ManagerOptions should copy MTU tiers")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
