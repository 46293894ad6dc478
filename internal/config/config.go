// Package config provides YAML configuration loading and validation for the
// OMRON bridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jzubielik/omron-bridge/internal/device"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the bridge.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Cloud  CloudConfig  `yaml:"cloud"`
	Bus    BusConfig    `yaml:"bus"`
	Ledger LedgerConfig `yaml:"ledger"`
	Users  []UserConfig `yaml:"users"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// StatusAddr is the listen address for the local status/control HTTP
	// API (e.g. "127.0.0.1:9100"). Defaults to "127.0.0.1:9100" when
	// omitted.
	StatusAddr string `yaml:"status_addr"`

	// StatusAuthSecret is the HMAC secret used to validate Bearer tokens
	// presented to the status API's /api/v1/* routes. Left empty, those
	// routes are unauthenticated — acceptable only when StatusAddr is
	// bound to loopback.
	StatusAuthSecret string `yaml:"status_auth_secret"`

	// AuditLogPath is the path to the hash-chained audit log. Defaults to
	// "./omron-bridge-audit.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`
}

// DeviceConfig describes the BLE peripheral to connect to and how to read
// it.
type DeviceConfig struct {
	// Model selects a registered device.Driver (e.g. "HEM-7361T"). Required.
	Model string `yaml:"model"`
	// MACAddress is the BLE peripheral address to connect to. Required.
	MACAddress string `yaml:"mac_address"`
	// PollIntervalMinutes is the daemon loop's interval between sync
	// cycles. Defaults to 60 when omitted.
	PollIntervalMinutes int `yaml:"poll_interval_minutes"`
	// ReadMode is "all" (read every record every cycle) or "new" (use the
	// device's unread-record counters). Defaults to "new" when omitted.
	ReadMode string `yaml:"read_mode"`
	// SyncTime writes the host's clock to the device after each read.
	SyncTime bool `yaml:"sync_time"`
	// PairingKeyPath is the path to the 16-byte pairing key persisted after
	// a successful Pair, read on every Unlock. Defaults to
	// "./omron-pairing.key" when omitted.
	PairingKeyPath string `yaml:"pairing_key_path"`

	// PollInterval is PollIntervalMinutes as a time.Duration, computed by
	// applyDefaults.
	PollInterval time.Duration `yaml:"-"`
}

// CloudConfig configures the OAuth2-backed cloud upload sink.
type CloudConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TokensPath   string `yaml:"tokens_path"`
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// BusConfig configures the MQTT bus publish sink.
type BusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
}

// LedgerConfig configures the local SQLite fingerprint ledger.
type LedgerConfig struct {
	DatabasePath      string        `yaml:"database_path"`
	RetentionDays     int           `yaml:"retention_days"`
	Retention         time.Duration `yaml:"-"`
}

// UserConfig maps a device user slot (1 or 2) to a cloud account identity.
type UserConfig struct {
	Slot  int    `yaml:"slot"`
	Email string `yaml:"email"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validReadModes = map[string]bool{
	"all": true,
	"new": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:9100"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "./omron-bridge-audit.log"
	}
	if cfg.Device.PollIntervalMinutes == 0 {
		cfg.Device.PollIntervalMinutes = 60
	}
	cfg.Device.PollInterval = time.Duration(cfg.Device.PollIntervalMinutes) * time.Minute
	if cfg.Device.ReadMode == "" {
		cfg.Device.ReadMode = "new"
	}
	if cfg.Device.PairingKeyPath == "" {
		cfg.Device.PairingKeyPath = "./omron-pairing.key"
	}
	if cfg.Bus.BaseTopic == "" {
		cfg.Bus.BaseTopic = "omron"
	}
	if cfg.Bus.Port == 0 {
		cfg.Bus.Port = 1883
	}
	if cfg.Ledger.DatabasePath == "" {
		cfg.Ledger.DatabasePath = "./omron-ledger.db"
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 365
	}
	cfg.Ledger.Retention = time.Duration(cfg.Ledger.RetentionDays) * 24 * time.Hour
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Device.Model == "" {
		errs = append(errs, errors.New("device.model is required"))
	} else {
		supported := false
		for _, m := range device.SupportedModels() {
			if m == cfg.Device.Model {
				supported = true
				break
			}
		}
		if !supported {
			errs = append(errs, fmt.Errorf("device.model %q is not a supported model (supported: %v)", cfg.Device.Model, device.SupportedModels()))
		}
	}
	if cfg.Device.MACAddress == "" {
		errs = append(errs, errors.New("device.mac_address is required"))
	}
	if !validReadModes[cfg.Device.ReadMode] {
		errs = append(errs, fmt.Errorf("device.read_mode %q must be one of: all, new", cfg.Device.ReadMode))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Cloud.Enabled && cfg.Cloud.TokensPath == "" {
		errs = append(errs, errors.New("cloud.tokens_path is required when cloud.enabled"))
	}
	if cfg.Bus.Enabled && cfg.Bus.Host == "" {
		errs = append(errs, errors.New("bus.host is required when bus.enabled"))
	}

	for i, u := range cfg.Users {
		prefix := fmt.Sprintf("users[%d]", i)
		if u.Slot != 1 && u.Slot != 2 {
			errs = append(errs, fmt.Errorf("%s: slot must be 1 or 2, got %d", prefix, u.Slot))
		}
		if u.Email == "" {
			errs = append(errs, fmt.Errorf("%s: email is required", prefix))
		}
	}

	return errors.Join(errs...)
}

// EmailForSlot returns the configured cloud account email for a user slot,
// or "" if none is configured.
func (c *Config) EmailForSlot(slot int) string {
	for _, u := range c.Users {
		if u.Slot == slot {
			return u.Email
		}
	}
	return ""
}
