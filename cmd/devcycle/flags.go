package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/devcycle/internal/config"
)

// GlobalFlags holds the persistent flags that are not config keys.
type GlobalFlags struct {
	ConfigPath string
	NoColor    bool
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Hold   time.Duration
	Listen string
}

// StopFlags holds flags for the stop command.
type StopFlags struct {
	Force bool
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	JSON bool
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Lines int
}

// configFlags maps persistent flag names onto config keys. Flags override
// the config file and DEVCYCLE_* environment only when set explicitly.
var configFlags = []struct {
	flag, key string
}{
	{"pattern", "pattern"},
	{"command", "command"},
	{"log-path", "log_path"},
	{"workdir", "workdir"},
	{"url", "health.url"},
	{"interval", "health.interval"},
	{"timeout", "health.timeout"},
	{"grace", "grace"},
	{"lock-dir", "lock_dir"},
	{"history-dsn", "history.dsn"},
	{"log-level", "log.level"},
	{"log-format", "log.format"},
	{"log-file", "log.file"},
}

func bindGlobalFlags(root *cobra.Command, f *GlobalFlags) {
	pf := root.PersistentFlags()
	pf.StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.BoolVar(&f.NoColor, "no-color", false, "disable colored console logs")

	pf.String("pattern", config.DefaultPattern, "match pattern: substring or regular expression over full command lines (prefix literal: to force substring)")
	pf.String("command", config.DefaultCommand, "command that starts the dev server")
	pf.String("log-path", config.DefaultLogPath, "file receiving the dev server's stdout and stderr")
	pf.String("workdir", "", "working directory of the dev server")
	pf.String("url", config.DefaultURL, "readiness probe URL")
	pf.Duration("interval", config.DefaultInterval, "readiness probe interval")
	pf.Duration("timeout", config.DefaultTimeout, "overall readiness timeout")
	pf.Duration("grace", config.DefaultGrace, "wait between termination signal and verification")
	pf.String("lock-dir", "", "directory for slot lock files (default $TMPDIR/devcycle)")
	pf.String("history-dsn", "", "cycle history sink: sqlite://, postgres:// or clickhouse:// DSN")
	pf.String("log-level", "info", "devcycle log level: debug, info, warn, error")
	pf.String("log-format", "text", "devcycle log format: text or json")
	pf.String("log-file", "", "also write devcycle logs (JSON) to this rotated file")
}

// bindConfigFlags attaches the persistent flags of cmd to v.
func bindConfigFlags(cmd *cobra.Command, v *viper.Viper) error {
	for _, cf := range configFlags {
		fl := cmd.Flags().Lookup(cf.flag)
		if fl == nil {
			fl = cmd.InheritedFlags().Lookup(cf.flag)
		}
		if fl == nil {
			return fmt.Errorf("flag --%s not registered", cf.flag)
		}
		if err := v.BindPFlag(cf.key, fl); err != nil {
			return fmt.Errorf("bind --%s: %w", cf.flag, err)
		}
	}
	return nil
}
