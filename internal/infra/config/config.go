// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Provider ProviderConfig  `yaml:"provider"`
	Sync     SyncConfig      `yaml:"sync"`
	Media    MediaConfig     `yaml:"media"`
	Store    StoreConfig     `yaml:"store"`
	Channels []ChannelConfig `yaml:"channels"`
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`

	// SecretKey seals session artifacts at rest. Prefer the
	// CHANSYNC_SECRET_KEY environment variable over putting it here.
	SecretKey string `yaml:"secret_key,omitempty"`
}

// ProviderConfig holds the session gateway settings.
type ProviderConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	// Identity is the phone-like key of the account used for syncing.
	Identity          string        `yaml:"identity"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// SyncConfig tunes the incremental sync.
type SyncConfig struct {
	// Window is the per-channel fetch size.
	Window int `yaml:"window"`
	// ChannelDelay is the politeness pause between channels.
	ChannelDelay time.Duration `yaml:"channel_delay"`
	// ProbeFailOpen decides what a failed cheap probe means: true (the
	// default) assumes new content and fetches, false skips the channel.
	ProbeFailOpen bool `yaml:"probe_fail_open"`
	// Schedule is a cron spec for periodic sync runs; empty disables them.
	Schedule string `yaml:"schedule"`
	// AuditSchedule is a cron spec for periodic media audits.
	AuditSchedule string `yaml:"audit_schedule"`
}

// MediaConfig holds media acquisition settings.
type MediaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ChannelConfig declares one watched channel.
type ChannelConfig struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title,omitempty"`
	Username string `yaml:"username,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns the configuration used when fields are omitted.
func Defaults() *Config {
	return &Config{
		Provider: ProviderConfig{
			GatewayURL:        "http://localhost:8484",
			Timeout:           90 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Sync: SyncConfig{
			Window:        20,
			ChannelDelay:  750 * time.Millisecond,
			ProbeFailOpen: true,
			Schedule:      "*/15 * * * *",
		},
		Media: MediaConfig{
			Enabled: true,
			Dir:     "./data/media",
		},
		Store: StoreConfig{
			Path: "./data/chansync.db",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// Load reads a YAML config file over the defaults, applies env var
// overrides, and validates the result. A missing file is not an error;
// defaults plus env then apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHANSYNC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHANSYNC_GATEWAY_URL"); v != "" {
		cfg.Provider.GatewayURL = v
	}
	if v := os.Getenv("CHANSYNC_IDENTITY"); v != "" {
		cfg.Provider.Identity = v
	}
	if v := os.Getenv("CHANSYNC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHANSYNC_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHANSYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CHANSYNC_MEDIA_DIR"); v != "" {
		cfg.Media.Dir = v
	}
	if v := os.Getenv("CHANSYNC_SYNC_SCHEDULE"); v != "" {
		cfg.Sync.Schedule = v
	}
	if v := os.Getenv("CHANSYNC_SYNC_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.Window = n
		}
	}
	if v := os.Getenv("CHANSYNC_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg.Provider.GatewayURL == "" {
		return fmt.Errorf("provider.gateway_url is required")
	}
	if cfg.Provider.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider.requests_per_second must be positive")
	}
	if cfg.Sync.Window <= 0 {
		return fmt.Errorf("sync.window must be positive")
	}
	if cfg.Sync.ChannelDelay < 0 {
		return fmt.Errorf("sync.channel_delay must not be negative")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.Media.Enabled && cfg.Media.Dir == "" {
		return fmt.Errorf("media.dir is required when media is enabled")
	}
	seen := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels entries need an id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("channel %s listed twice", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
