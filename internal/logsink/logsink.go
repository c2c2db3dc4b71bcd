// Package logsink is the append-only destination for a launched server's
// stdout and stderr. The child writes to the file descriptor directly so
// output keeps flowing after the supervisor exits; rotation therefore only
// happens between launches, never under a running child.
package logsink

import (
	"errors"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings, applied when the corresponding field is zero.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes a log sink file and its between-launch rotation policy.
type Config struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Open prepares the sink for a new child: it creates the parent directory,
// rotates the file when it has grown past MaxSizeMB and opens it for appending.
func (c Config) Open() (*os.File, error) {
	if c.Path == "" {
		return nil, errors.New("log sink path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o750); err != nil {
		return nil, err
	}
	if err := c.rotateIfLarge(); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is operator configuration
	return os.OpenFile(c.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func (c Config) rotateIfLarge() error {
	fi, err := os.Stat(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	limit := int64(valOr(c.MaxSizeMB, DefaultMaxSizeMB)) * 1024 * 1024
	if fi.Size() < limit {
		return nil
	}
	return c.Rotate()
}

// Rotate moves the current file to a timestamped backup and prunes old
// backups according to MaxBackups and MaxAgeDays.
func (c Config) Rotate() error {
	l := c.writer()
	if err := l.Rotate(); err != nil {
		return err
	}
	return l.Close()
}

func (c Config) writer() *lj.Logger {
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
