// Package config loads devcycle settings from a TOML file, DEVCYCLE_*
// environment variables and command-line flags, in increasing precedence.
//
// Example:
//
//	pattern  = "next dev"
//	command  = "npm run dev"
//	log_path = "/tmp/devcycle/dev-server.log"
//	workdir  = "./web"
//	env      = ["PORT=3000", "NODE_OPTIONS=--max-old-space-size=4096"]
//	env_files = [".env.local"]
//	grace    = "1s"
//
//	[health]
//	url      = "http://localhost:3000"
//	interval = "1s"
//	timeout  = "30s"
//
//	[history]
//	dsn = "sqlite:///tmp/devcycle/history.db"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devcycle/internal/health"
	"github.com/loykin/devcycle/internal/logsink"
	"github.com/loykin/devcycle/internal/slotlock"
)

// EnvPrefix is the prefix of environment overrides (DEVCYCLE_HEALTH_URL etc).
const EnvPrefix = "DEVCYCLE"

// Defaults preserved from the hardcoded agent workflow.
const (
	DefaultPattern  = "next dev"
	DefaultCommand  = "npm run dev"
	DefaultLogPath  = "/tmp/devcycle/dev-server.log"
	DefaultURL      = "http://localhost:3000"
	DefaultInterval = time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultGrace    = time.Second
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Pattern  string        `mapstructure:"pattern"`
	Command  string        `mapstructure:"command"`
	LogPath  string        `mapstructure:"log_path"`
	WorkDir  string        `mapstructure:"workdir"`
	Env      []string      `mapstructure:"env"`
	EnvFiles []string      `mapstructure:"env_files"`
	Grace    time.Duration `mapstructure:"grace"`
	LockDir  string        `mapstructure:"lock_dir"`

	Health  health.Config `mapstructure:"health"`
	Rotate  RotateConfig  `mapstructure:"rotate"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
}

// RotateConfig is the between-launch rotation policy of the dev server log.
type RotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type HistoryConfig struct {
	// DSN selects the sink: sqlite://, postgres:// or clickhouse://. Empty disables history.
	DSN string `mapstructure:"dsn"`
}

// LogConfig controls devcycle's own log output, not the dev server's.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File additionally writes logs to a rotated file when set.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ServerConfig struct {
	// Listen exposes the status router while a cycle is held, e.g. "127.0.0.1:7070".
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// NewViper returns a viper instance with defaults and environment binding in
// place. Callers bind flags on it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("pattern", DefaultPattern)
	v.SetDefault("command", DefaultCommand)
	v.SetDefault("log_path", DefaultLogPath)
	v.SetDefault("workdir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("grace", DefaultGrace)
	v.SetDefault("lock_dir", slotlock.DefaultDir())

	v.SetDefault("health.url", DefaultURL)
	v.SetDefault("health.interval", DefaultInterval)
	v.SetDefault("health.timeout", DefaultTimeout)
	v.SetDefault("health.probe_timeout", time.Duration(0))

	v.SetDefault("rotate.max_size_mb", logsink.DefaultMaxSizeMB)
	v.SetDefault("rotate.max_backups", logsink.DefaultMaxBackups)
	v.SetDefault("rotate.max_age_days", logsink.DefaultMaxAgeDays)
	v.SetDefault("rotate.compress", false)

	v.SetDefault("history.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)

	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolveRelative(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolveRelative anchors relative workdir and env file paths at the
// directory of the config file.
func (c *Config) resolveRelative(base string) {
	if c.WorkDir != "" && !filepath.IsAbs(c.WorkDir) {
		c.WorkDir = filepath.Join(base, c.WorkDir)
	}
	for i, p := range c.EnvFiles {
		if p != "" && !filepath.IsAbs(p) {
			c.EnvFiles[i] = filepath.Join(base, p)
		}
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Pattern) == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalid)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalid)
	}
	if strings.TrimSpace(c.LogPath) == "" {
		return fmt.Errorf("%w: log_path is empty", ErrInvalid)
	}
	if c.Grace <= 0 {
		return fmt.Errorf("%w: grace must be positive", ErrInvalid)
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q (want text or json)", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Sink is the dev server log sink described by the config.
func (c *Config) Sink() logsink.Config {
	return logsink.Config{
		Path:       c.LogPath,
		MaxSizeMB:  c.Rotate.MaxSizeMB,
		MaxBackups: c.Rotate.MaxBackups,
		MaxAgeDays: c.Rotate.MaxAgeDays,
		Compress:   c.Rotate.Compress,
	}
}

// LaunchEnv returns the extra environment for the dev server: env_files in
// order, then the env list. The launcher layers it over the inherited OS env.
func (c *Config) LaunchEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.TrimSpace(k) != "" {
			set(strings.TrimSpace(k), v)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines,
// comments and an optional "export " prefix are tolerated; one level of
// surrounding quotes is stripped.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		if k != "" {
			out = append(out, [2]string{k, v})
		}
	}
	return out, nil
}
