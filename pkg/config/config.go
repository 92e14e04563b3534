package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessors.
//
// Example (~/.chromepool/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// browser:
//   executable: /usr/bin/chromium
//   headless: true
//   args: ["--lang=en-US"]
// pool:
//   idle_timeout: 5m
//   reap_interval: 60s
//   launch_timeout: 30s
//   command_timeout: 30s
// database:
//   path: ~/.chromepool/chromepool.db
// redis:
//   addr: 127.0.0.1:6379
//   channel: chromepool.events
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535; durations must be positive.
// - CHROMEPOOL_PORT overrides server.port, CHROME_BIN overrides browser.executable.
// - An empty database.path disables persistence; an empty redis.addr
//   disables the Redis event bridge.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Pool     PoolConfig     `yaml:"pool"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type BrowserConfig struct {
	Executable *string  `yaml:"executable,omitempty"`
	Headless   *bool    `yaml:"headless"`
	Args       []string `yaml:"args,omitempty"`
}

type PoolConfig struct {
	IdleTimeout    *time.Duration `yaml:"idle_timeout"`
	ReapInterval   *time.Duration `yaml:"reap_interval"`
	LaunchTimeout  *time.Duration `yaml:"launch_timeout"`
	CommandTimeout *time.Duration `yaml:"command_timeout"`
}

type DatabaseConfig struct {
	Path *string `yaml:"path"`
}

type RedisConfig struct {
	Addr    *string `yaml:"addr,omitempty"`
	Channel *string `yaml:"channel,omitempty"`
}

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8088
	DefaultHeadless       = true
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReapInterval   = 60 * time.Second
	DefaultLaunchTimeout  = 30 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultRedisChannel   = "chromepool.events"
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".chromepool")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.chromepool/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadFile(configFile)
	if err != nil {
		return nil, "", err
	}
	return cfg, configFile, nil
}

// LoadFile reads and validates the config at configFile. A missing file
// yields defaults.
func LoadFile(configFile string) (*AppConfig, error) {
	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w in %s", err, configFile)
	}
	return cfg, nil
}

// Validate checks the values that have no safe fallback.
func (c *AppConfig) Validate() error {
	if c.Server.Host != nil && strings.TrimSpace(*c.Server.Host) == "" {
		return errors.New("invalid server.host (empty)")
	}
	port := c.Port()
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	durations := []struct {
		name string
		v    *time.Duration
	}{
		{"pool.idle_timeout", c.Pool.IdleTimeout},
		{"pool.reap_interval", c.Pool.ReapInterval},
		{"pool.launch_timeout", c.Pool.LaunchTimeout},
		{"pool.command_timeout", c.Pool.CommandTimeout},
	}
	for _, d := range durations {
		if d.v != nil && *d.v <= 0 {
			return fmt.Errorf("invalid %s %s (must be positive)", d.name, *d.v)
		}
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:  ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Browser: BrowserConfig{Headless: ptr(DefaultHeadless)},
		Pool: PoolConfig{
			IdleTimeout:    ptr(DefaultIdleTimeout),
			ReapInterval:   ptr(DefaultReapInterval),
			LaunchTimeout:  ptr(DefaultLaunchTimeout),
			CommandTimeout: ptr(DefaultCommandTimeout),
		},
		Database: DatabaseConfig{Path: ptr(filepath.Join(configDir, "chromepool.db"))},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil {
		return DefaultHost
	}
	if c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

// Port returns CHROMEPOOL_PORT when it parses, else server.port.
func (c *AppConfig) Port() int {
	if v := strings.TrimSpace(os.Getenv("CHROMEPOOL_PORT")); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// Executable returns CHROME_BIN when set, else browser.executable. Empty
// means auto-detect.
func (c *AppConfig) Executable() string {
	if v := strings.TrimSpace(os.Getenv("CHROME_BIN")); v != "" {
		return v
	}
	if c == nil || c.Browser.Executable == nil {
		return ""
	}
	return expandHome(strings.TrimSpace(*c.Browser.Executable))
}

func (c *AppConfig) Headless() bool {
	if c == nil || c.Browser.Headless == nil {
		return DefaultHeadless
	}
	return *c.Browser.Headless
}

// Args returns extra launch flags applied to every browser.
func (c *AppConfig) Args() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.Browser.Args...)
}

func durationOr(v *time.Duration, def time.Duration) time.Duration {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}

func (c *AppConfig) IdleTimeout() time.Duration {
	if c == nil {
		return DefaultIdleTimeout
	}
	return durationOr(c.Pool.IdleTimeout, DefaultIdleTimeout)
}

func (c *AppConfig) ReapInterval() time.Duration {
	if c == nil {
		return DefaultReapInterval
	}
	return durationOr(c.Pool.ReapInterval, DefaultReapInterval)
}

func (c *AppConfig) LaunchTimeout() time.Duration {
	if c == nil {
		return DefaultLaunchTimeout
	}
	return durationOr(c.Pool.LaunchTimeout, DefaultLaunchTimeout)
}

func (c *AppConfig) CommandTimeout() time.Duration {
	if c == nil {
		return DefaultCommandTimeout
	}
	return durationOr(c.Pool.CommandTimeout, DefaultCommandTimeout)
}

// DatabasePath returns the SQLite path. Unset means the default under
// ~/.chromepool; an explicit empty string disables persistence.
func (c *AppConfig) DatabasePath() string {
	if c != nil && c.Database.Path != nil {
		return expandHome(strings.TrimSpace(*c.Database.Path))
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "chromepool.db")
}

// RedisAddr returns the Redis address, empty when the bridge is disabled.
func (c *AppConfig) RedisAddr() string {
	if c == nil || c.Redis.Addr == nil {
		return ""
	}
	return strings.TrimSpace(*c.Redis.Addr)
}

func (c *AppConfig) RedisChannel() string {
	if c == nil || c.Redis.Channel == nil || strings.TrimSpace(*c.Redis.Channel) == "" {
		return DefaultRedisChannel
	}
	return strings.TrimSpace(*c.Redis.Channel)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func ptr[T any](v T) *T { return &v }
