package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/basket/yuzai/internal/otel"
)

type PluginsConfig struct {
	// Dir holds per-module settings files (<module>.yaml).
	Dir                string   `yaml:"dir" toml:"dir"`
	Enabled            []string `yaml:"enabled" toml:"enabled"`
	LoadTimeoutSeconds int      `yaml:"load_timeout_seconds" toml:"load_timeout_seconds"`
}

func (p PluginsConfig) LoadTimeout() time.Duration {
	return time.Duration(p.LoadTimeoutSeconds) * time.Second
}

type ExtensionsConfig struct {
	Dir            string `yaml:"dir" toml:"dir"`
	PackageManager string `yaml:"package_manager" toml:"package_manager"`
	InstallRetries int    `yaml:"install_retries" toml:"install_retries"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms" toml:"retry_backoff_ms"`
	WaitPollMS     int    `yaml:"wait_poll_ms" toml:"wait_poll_ms"`
	WaitMaxSeconds int    `yaml:"wait_max_seconds" toml:"wait_max_seconds"`
}

func (e ExtensionsConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMS) * time.Millisecond
}

func (e ExtensionsConfig) WaitPoll() time.Duration {
	return time.Duration(e.WaitPollMS) * time.Millisecond
}

func (e ExtensionsConfig) WaitMax() time.Duration {
	return time.Duration(e.WaitMaxSeconds) * time.Second
}

type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token" toml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids" toml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled" toml:"enabled"`
}

type AdaptersConfig struct {
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-" toml:"-"`
	// Path is the file the config was read from; empty when only defaults apply.
	Path string `yaml:"-" toml:"-"`

	LogLevel           string `yaml:"log_level" toml:"log_level"`
	ExitTimeoutSeconds int    `yaml:"exit_timeout_seconds" toml:"exit_timeout_seconds"`

	Plugins    PluginsConfig    `yaml:"plugins" toml:"plugins"`
	Extensions ExtensionsConfig `yaml:"extensions" toml:"extensions"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Telemetry  otel.Config      `yaml:"telemetry" toml:"telemetry"`
	Adapters   AdaptersConfig   `yaml:"adapters" toml:"adapters"`
}

func (c Config) ExitTimeout() time.Duration {
	return time.Duration(c.ExitTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that require a module reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|plugins=%s|enabled=%v|load=%d|ext=%s|pm=%s|storage=%s|tg=%t",
		c.LogLevel, c.Plugins.Dir, c.Plugins.Enabled, c.Plugins.LoadTimeoutSeconds,
		c.Extensions.Dir, c.Extensions.PackageManager, c.Storage.Path, c.Adapters.Telegram.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		ExitTimeoutSeconds: 10,
		Plugins: PluginsConfig{
			Dir:                "plugins",
			Enabled:            []string{"help", "note"},
			LoadTimeoutSeconds: 60,
		},
		Extensions: ExtensionsConfig{
			Dir:            "extensions",
			PackageManager: "npm",
			InstallRetries: 3,
			RetryBackoffMS: 2000,
			WaitPollMS:     100,
			WaitMaxSeconds: 30,
		},
		Storage: StorageConfig{
			Path: filepath.Join("data", "yuzai.db"),
		},
	}
}

// HomeDir resolves the runtime home: $YUZAI_HOME, else ~/.yuzai.
func HomeDir() string {
	if override := os.Getenv("YUZAI_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".yuzai")
}

// DefaultPath returns the config file inside homeDir, preferring config.yaml
// and falling back to config.toml when only that one exists.
func DefaultPath(homeDir string) string {
	yamlPath := filepath.Join(homeDir, "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	tomlPath := filepath.Join(homeDir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath
	}
	return yamlPath
}

// Load reads the config at path (or the default file in the home dir when
// path is empty). A missing file is not an error: defaults apply.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create yuzai home: %w", err)
	}
	if path == "" {
		path = DefaultPath(cfg.HomeDir)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	default:
		cfg.Path = path
		if err := decode(path, data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if len(data) == 0 {
		return nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.ExitTimeoutSeconds <= 0 {
		cfg.ExitTimeoutSeconds = def.ExitTimeoutSeconds
	}
	if cfg.Plugins.LoadTimeoutSeconds <= 0 {
		cfg.Plugins.LoadTimeoutSeconds = def.Plugins.LoadTimeoutSeconds
	}
	if cfg.Extensions.PackageManager == "" {
		cfg.Extensions.PackageManager = def.Extensions.PackageManager
	}
	if cfg.Extensions.InstallRetries <= 0 {
		cfg.Extensions.InstallRetries = def.Extensions.InstallRetries
	}
	if cfg.Extensions.RetryBackoffMS <= 0 {
		cfg.Extensions.RetryBackoffMS = def.Extensions.RetryBackoffMS
	}
	if cfg.Extensions.WaitPollMS <= 0 {
		cfg.Extensions.WaitPollMS = def.Extensions.WaitPollMS
	}
	if cfg.Extensions.WaitMaxSeconds <= 0 {
		cfg.Extensions.WaitMaxSeconds = def.Extensions.WaitMaxSeconds
	}

	cfg.Plugins.Dir = resolve(cfg.HomeDir, cfg.Plugins.Dir, def.Plugins.Dir)
	cfg.Extensions.Dir = resolve(cfg.HomeDir, cfg.Extensions.Dir, def.Extensions.Dir)
	cfg.Storage.Path = resolve(cfg.HomeDir, cfg.Storage.Path, def.Storage.Path)
}

// resolve makes p absolute relative to home, substituting fallback when empty.
func resolve(home, p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(home, p)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("YUZAI_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("YUZAI_EXIT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ExitTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Adapters.Telegram.Token = raw
	}
}
