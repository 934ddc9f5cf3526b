package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server     ServerConfig               `toml:"server"`
	Runtime    RuntimeConfig              `toml:"runtime"`
	Audit      AuditConfig                `toml:"audit"`
	Workspace  WorkspaceConfig            `toml:"workspace"`
	Plans      PlansConfig                `toml:"plans"`
	Logging    LoggingConfig              `toml:"logging"`
	Formatters map[string]FormatterConfig `toml:"formatters"`
	Raw        map[string]any             `toml:"-"`
	Path       string                     `toml:"-"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type RuntimeConfig struct {
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	OfflineFactor       int `toml:"offline_factor"`
	PulseIntervalMS     int `toml:"pulse_interval_ms"`
	QueueSize           int `toml:"queue_size"`
	CommandLogLimit     int `toml:"command_log_limit"`
}

type AuditConfig struct {
	DBPath string `toml:"db_path"`
	Buffer int    `toml:"buffer"`
}

type WorkspaceConfig struct {
	Root             string       `toml:"root"`
	Shell            string       `toml:"shell"`
	CommandTimeoutMS int          `toml:"command_timeout_ms"`
	Exclude          []string     `toml:"exclude"`
	Rules            []RuleConfig `toml:"rules"`
}

type RuleConfig struct {
	Effect    string `toml:"effect"`
	Operation string `toml:"operation"`
	Pattern   string `toml:"pattern"`
}

type PlansConfig struct {
	Path            string `toml:"path"`
	Default         string `toml:"default"`
	CascadeFailures bool   `toml:"cascade_failures"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type FormatterConfig struct {
	Command    string   `toml:"command"`
	Extensions []string `toml:"extensions"`
}

func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8091"
	}
	if c.Runtime.HeartbeatIntervalMS <= 0 {
		c.Runtime.HeartbeatIntervalMS = 30_000
	}
	if c.Runtime.OfflineFactor <= 0 {
		c.Runtime.OfflineFactor = 3
	}
	if c.Runtime.PulseIntervalMS <= 0 {
		c.Runtime.PulseIntervalMS = 15_000
	}
	if c.Runtime.QueueSize <= 0 {
		c.Runtime.QueueSize = 32
	}
	if c.Audit.Buffer <= 0 {
		c.Audit.Buffer = 256
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "workspace"
	}
	if c.Workspace.Shell == "" {
		c.Workspace.Shell = "/bin/sh"
	}
	if c.Workspace.CommandTimeoutMS <= 0 {
		c.Workspace.CommandTimeoutMS = 60_000
	}
	if len(c.Workspace.Exclude) == 0 {
		c.Workspace.Exclude = []string{"**/node_modules/**", "**/dist/**", "**/build/**", "**/.git/**", "**/vendor/**"}
	}
	if c.Plans.Default == "" {
		c.Plans.Default = "default"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return c
}

func (r RuntimeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMS) * time.Millisecond
}

func (r RuntimeConfig) PulseInterval() time.Duration {
	return time.Duration(r.PulseIntervalMS) * time.Millisecond
}

func (w WorkspaceConfig) CommandTimeout() time.Duration {
	return time.Duration(w.CommandTimeoutMS) * time.Millisecond
}

// Load reads a TOML config. An empty path falls back to the default location,
// and a missing default file yields defaults.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.Raw = raw
	cfg.Path = resolved
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for i, rule := range c.Workspace.Rules {
		switch rule.Effect {
		case "allow", "deny":
		default:
			return fmt.Errorf("workspace rule %d: unknown effect %q", i, rule.Effect)
		}
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("workspace rule %d: empty pattern", i)
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format %q is not text or json", c.Logging.Format)
	}
	return nil
}

func expandHome(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(p, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		p = filepath.Join(home, trimmed)
	}
	return filepath.Clean(p), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".command_center/config.toml"
	}
	return filepath.Join(home, ".command_center", "config.toml")
}
