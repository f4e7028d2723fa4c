// Package config loads mnemo configuration from file, environment, and
// flags via viper.
//
// Precedence (highest first): bound flags, MNEMO_* environment
// variables, the config file, built-in defaults. The config file lives
// at ~/.mnemo/config.yaml unless overridden.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// DataDir holds the database and logs. Default: ~/.mnemo.
	DataDir string `mapstructure:"data_dir"`

	Sync      SyncConfig      `mapstructure:"sync"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// Enabled gates all syncing.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the sync server root URL.
	Endpoint string `mapstructure:"endpoint"`

	// Token is the bearer credential, supplied by the identity
	// provider. MNEMO_SYNC_TOKEN is the usual source.
	Token string `mapstructure:"token"`

	// ClientID identifies this device. Generated and persisted on first
	// run when empty.
	ClientID string `mapstructure:"client_id"`

	// RequestTimeout bounds each transport request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig configures the backoff policy.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// DaemonConfig configures the background daemon.
type DaemonConfig struct {
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// LogFile receives daemon logs with rotation. Empty means
	// <data_dir>/daemon.log.
	LogFile string `mapstructure:"log_file"`
}

// DashboardConfig configures the local status dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DBPath returns the database file path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mnemo.db")
}

// DaemonLogPath returns the daemon log file path.
func (c *Config) DaemonLogPath() string {
	if c.Daemon.LogFile != "" {
		return c.Daemon.LogFile
	}
	return filepath.Join(c.DataDir, "daemon.log")
}

// Configured reports whether endpoint and credential are both present.
func (c *SyncConfig) Configured() bool {
	return c.Endpoint != "" && c.Token != ""
}

// setDefaults installs built-in defaults on v.
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".mnemo"))

	v.SetDefault("sync.enabled", true)
	// Empty-string defaults register the keys so MNEMO_* env vars bind
	// without a config file entry.
	v.SetDefault("sync.endpoint", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.client_id", "")
	v.SetDefault("daemon.log_file", "")
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.retry.base_delay", time.Second)
	v.SetDefault("sync.retry.multiplier", 2.0)
	v.SetDefault("sync.retry.jitter", 0.2)
	v.SetDefault("sync.retry.max_delay", 5*time.Minute)
	v.SetDefault("sync.retry.max_attempts", 6)

	v.SetDefault("daemon.sync_interval", 5*time.Minute)
	v.SetDefault("daemon.debounce_interval", 2*time.Second)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 7340)
}

// Load reads configuration using the given viper instance. cfgFile
// overrides the default config file location; a missing default file is
// not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".mnemo"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
