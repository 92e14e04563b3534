package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, home, body string) string {
	t.Helper()
	configDir := filepath.Join(home, ".chromepool")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func TestLoad_MissingFile_ReturnsDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CHROMEPOOL_PORT", "")
	t.Setenv("CHROME_BIN", "")

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path == "" {
		t.Fatalf("expected config path")
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
	if !cfg.Headless() {
		t.Fatalf("cfg.Headless() = false, want true")
	}
	if got := cfg.Executable(); got != "" {
		t.Fatalf("cfg.Executable() = %q, want empty", got)
	}
	if got := cfg.IdleTimeout(); got != DefaultIdleTimeout {
		t.Fatalf("cfg.IdleTimeout() = %s, want %s", got, DefaultIdleTimeout)
	}
	if got := cfg.ReapInterval(); got != DefaultReapInterval {
		t.Fatalf("cfg.ReapInterval() = %s, want %s", got, DefaultReapInterval)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(home, ".chromepool", "chromepool.db"); got != want {
		t.Fatalf("cfg.DatabasePath() = %q, want %q", got, want)
	}
	if got := cfg.RedisAddr(); got != "" {
		t.Fatalf("cfg.RedisAddr() = %q, want empty", got)
	}
	if got := cfg.RedisChannel(); got != DefaultRedisChannel {
		t.Fatalf("cfg.RedisChannel() = %q, want %q", got, DefaultRedisChannel)
	}
}

func TestEnsureDefaultConfig_CreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CHROMEPOOL_PORT", "")

	path, err := EnsureDefaultConfig()
	if err != nil {
		t.Fatalf("EnsureDefaultConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, gotPath, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Clean(gotPath) != filepath.Clean(path) {
		t.Fatalf("Load() path = %s, want %s", gotPath, path)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
	if got := cfg.IdleTimeout(); got != DefaultIdleTimeout {
		t.Fatalf("cfg.IdleTimeout() = %s, want %s", got, DefaultIdleTimeout)
	}
	if cfg.Pool.LaunchTimeout == nil {
		t.Fatalf("expected pool.launch_timeout to be written")
	}
}

func TestLoad_ParsesAllSections(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CHROMEPOOL_PORT", "")
	t.Setenv("CHROME_BIN", "")

	writeConfig(t, home, `server:
  host: 0.0.0.0
  port: 9090
browser:
  executable: /opt/chrome/chrome
  headless: false
  args: ["--lang=de", "--mute-audio"]
pool:
  idle_timeout: 90s
  reap_interval: 15s
  launch_timeout: 1m
  command_timeout: 5s
database:
  path: ~/data/history.db
redis:
  addr: 127.0.0.1:6379
  channel: pool.events
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"host", cfg.Host(), "0.0.0.0"},
		{"port", cfg.Port(), 9090},
		{"executable", cfg.Executable(), "/opt/chrome/chrome"},
		{"headless", cfg.Headless(), false},
		{"args", strings.Join(cfg.Args(), " "), "--lang=de --mute-audio"},
		{"idle", cfg.IdleTimeout(), 90 * time.Second},
		{"reap", cfg.ReapInterval(), 15 * time.Second},
		{"launch", cfg.LaunchTimeout(), time.Minute},
		{"command", cfg.CommandTimeout(), 5 * time.Second},
		{"database", cfg.DatabasePath(), filepath.Join(home, "data", "history.db")},
		{"redis addr", cfg.RedisAddr(), "127.0.0.1:6379"},
		{"redis channel", cfg.RedisChannel(), "pool.events"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EmptyDatabasePathDisablesPersistence(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfig(t, home, "database:\n  path: \"\"\n")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.DatabasePath(); got != "" {
		t.Fatalf("cfg.DatabasePath() = %q, want empty", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfig(t, home, "server:\n  port: 9090\nbrowser:\n  executable: /opt/chrome\n")
	t.Setenv("CHROMEPOOL_PORT", "7070")
	t.Setenv("CHROME_BIN", "/usr/local/bin/chromium")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Port(); got != 7070 {
		t.Fatalf("cfg.Port() = %d, want %d", got, 7070)
	}
	if got := cfg.Executable(); got != "/usr/local/bin/chromium" {
		t.Fatalf("cfg.Executable() = %q", got)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server: [\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"empty host", "server:\n  host: \"  \"\n"},
		{"negative duration", "pool:\n  idle_timeout: -1s\n"},
		{"unparsable duration", "pool:\n  reap_interval: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("HOME", home)
			t.Setenv("CHROMEPOOL_PORT", "")
			writeConfig(t, home, tt.body)

			if _, _, err := Load(); err == nil {
				t.Fatalf("Load() succeeded, want error")
			}
		})
	}
}
