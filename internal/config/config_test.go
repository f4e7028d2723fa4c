package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // ignore any real ~/.mnemo/config.yaml

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir == "" {
		t.Error("data dir not defaulted")
	}
	if !cfg.Sync.Enabled {
		t.Error("sync not enabled by default")
	}
	if cfg.Sync.RequestTimeout != 30*time.Second {
		t.Errorf("request timeout = %v", cfg.Sync.RequestTimeout)
	}
	if cfg.Sync.Retry.BaseDelay != time.Second || cfg.Sync.Retry.MaxAttempts != 6 {
		t.Errorf("retry defaults = %+v", cfg.Sync.Retry)
	}
	if cfg.Daemon.SyncInterval != 5*time.Minute || cfg.Daemon.DebounceInterval != 2*time.Second {
		t.Errorf("daemon defaults = %+v", cfg.Daemon)
	}
	if cfg.Dashboard.Enabled || cfg.Dashboard.Port != 7340 {
		t.Errorf("dashboard defaults = %+v", cfg.Dashboard)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: /tmp/mnemo-test
sync:
  endpoint: https://sync.example.com
  token: secret
  retry:
    max_attempts: 3
daemon:
  sync_interval: 1m
dashboard:
  enabled: true
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir != "/tmp/mnemo-test" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.Sync.Endpoint != "https://sync.example.com" || cfg.Sync.Token != "secret" {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3 from file", cfg.Sync.Retry.MaxAttempts)
	}
	// Unset file keys keep their defaults.
	if cfg.Sync.Retry.BaseDelay != time.Second {
		t.Errorf("base delay = %v, want default", cfg.Sync.Retry.BaseDelay)
	}
	if cfg.Daemon.SyncInterval != time.Minute {
		t.Errorf("sync interval = %v", cfg.Daemon.SyncInterval)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9000 {
		t.Errorf("dashboard = %+v", cfg.Dashboard)
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit config file accepted")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MNEMO_SYNC_ENDPOINT", "https://env.example.com")
	t.Setenv("MNEMO_SYNC_TOKEN", "env-token")
	t.Setenv("MNEMO_DATA_DIR", "/tmp/mnemo-env")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Sync.Endpoint != "https://env.example.com" {
		t.Errorf("endpoint = %s", cfg.Sync.Endpoint)
	}
	if cfg.Sync.Token != "env-token" {
		t.Errorf("token = %s", cfg.Sync.Token)
	}
	if cfg.DataDir != "/tmp/mnemo-env" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if !cfg.Sync.Configured() {
		t.Error("Configured() = false with endpoint and token set")
	}
}

func TestSyncConfig_Configured(t *testing.T) {
	tests := []struct {
		endpoint, token string
		want            bool
	}{
		{"", "", false},
		{"https://sync.example.com", "", false},
		{"", "secret", false},
		{"https://sync.example.com", "secret", true},
	}
	for _, tt := range tests {
		c := SyncConfig{Endpoint: tt.endpoint, Token: tt.token}
		if got := c.Configured(); got != tt.want {
			t.Errorf("Configured(%q, %q) = %v, want %v", tt.endpoint, tt.token, got, tt.want)
		}
	}
}

func TestPaths(t *testing.T) {
	c := &Config{DataDir: "/data"}
	if got := c.DBPath(); got != filepath.Join("/data", "mnemo.db") {
		t.Errorf("DBPath() = %s", got)
	}
	if got := c.DaemonLogPath(); got != filepath.Join("/data", "daemon.log") {
		t.Errorf("DaemonLogPath() = %s", got)
	}

	c.Daemon.LogFile = "/var/log/mnemo.log"
	if got := c.DaemonLogPath(); got != "/var/log/mnemo.log" {
		t.Errorf("DaemonLogPath() with override = %s", got)
	}
}
