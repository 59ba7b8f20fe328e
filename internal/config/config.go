package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel      string          `yaml:"log_level"`
	Scan          ScanConfig      `yaml:"scan"`
	Provision     ProvisionConfig `yaml:"provision"`
	FastProv      FastProvConfig  `yaml:"fast_prov"`
	DirectoryPath string          `yaml:"directory_path"`
	OutcomePath   string          `yaml:"outcome_path"`
	MetricsAddr   string          `yaml:"metrics_addr"` // empty disables /metrics
}

// ScanConfig holds scan cache and filter settings.
type ScanConfig struct {
	KeepTime      time.Duration `yaml:"keep_time"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RSSIMin       int           `yaml:"rssi_min"` // magnitude; 0 means no bound
	RSSIMax       int           `yaml:"rssi_max"`
	Name          string        `yaml:"name"`
	UUID          string        `yaml:"uuid"`
}

// ProvisionConfig holds provisioning session settings.
type ProvisionConfig struct {
	PostCount         int           `yaml:"post_count"`
	FastProvCount     int           `yaml:"fast_prov_count"`
	UnicastAddressMin uint16        `yaml:"unicast_address_min"`
	GroupAddress      uint16        `yaml:"group_address"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectMax      int           `yaml:"reconnect_max"` // max backoff seconds
	AppKeyIndex       uint16        `yaml:"app_key_index"`
	NetworkKeyIndex   uint16        `yaml:"network_key_index"`
}

// FastProvConfig holds fast-provisioning matcher settings.
type FastProvConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meshprov")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "meshprov")

	return &Config{
		LogLevel: "info",
		Scan: ScanConfig{
			KeepTime:      60 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Provision: ProvisionConfig{
			PostCount:         1,
			FastProvCount:     100,
			UnicastAddressMin: 0x0400,
			GroupAddress:      0xC000,
			ConnectTimeout:    30 * time.Second,
			ReconnectMax:      30,
		},
		FastProv: FastProvConfig{
			PollInterval: time.Second,
		},
		DirectoryPath: filepath.Join(dataDir, "directory.yaml"),
		OutcomePath:   filepath.Join(dataDir, "outcomes.cbor"),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in directory_path and outcome_path is expanded
// to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DirectoryPath = expandTilde(cfg.DirectoryPath)
	cfg.OutcomePath = expandTilde(cfg.OutcomePath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Scan.KeepTime <= 0 {
		return fmt.Errorf("scan.keep_time must be > 0")
	}
	if c.Scan.SweepInterval <= 0 {
		return fmt.Errorf("scan.sweep_interval must be > 0")
	}
	if c.Scan.RSSIMin != 0 && c.Scan.RSSIMax != 0 && abs(c.Scan.RSSIMin) < abs(c.Scan.RSSIMax) {
		return fmt.Errorf("scan.rssi_min (-%d) must not be stronger than scan.rssi_max (-%d)", abs(c.Scan.RSSIMin), abs(c.Scan.RSSIMax))
	}

	p := c.Provision
	if p.PostCount < 1 {
		return fmt.Errorf("provision.post_count must be >= 1")
	}
	if p.FastProvCount < 1 || p.FastProvCount > 0xFFFF {
		return fmt.Errorf("provision.fast_prov_count must be between 1 and 65535, got %d", p.FastProvCount)
	}
	if p.UnicastAddressMin == 0 || p.UnicastAddressMin&0x8000 != 0 {
		return fmt.Errorf("provision.unicast_address_min 0x%04x is not a unicast address", p.UnicastAddressMin)
	}
	if p.GroupAddress < 0xC000 {
		return fmt.Errorf("provision.group_address 0x%04x is not a group address", p.GroupAddress)
	}
	if p.ConnectTimeout < 0 {
		return fmt.Errorf("provision.connect_timeout must be >= 0")
	}
	if p.ReconnectMax < 1 {
		return fmt.Errorf("provision.reconnect_max must be >= 1")
	}
	if p.AppKeyIndex > 0x0FFF || p.NetworkKeyIndex > 0x0FFF {
		return fmt.Errorf("provision key indexes must fit in 12 bits")
	}

	if c.FastProv.PollInterval <= 0 {
		return fmt.Errorf("fast_prov.poll_interval must be > 0")
	}

	if c.DirectoryPath == "" {
		return fmt.Errorf("directory_path must not be empty")
	}

	return nil
}

// ParseLogLevel maps a log_level string to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}

const defaultHeader = `# meshprov configuration
# Durations use Go syntax (30s, 1m). RSSI bounds are magnitudes in dBm; 0 disables.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if path == "config.yaml" {
		return "", errors.New("cannot determine home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
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
