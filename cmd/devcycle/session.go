package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/devcycle"
	"github.com/loykin/devcycle/internal/config"
	"github.com/loykin/devcycle/internal/logger"
)

// session carries what every subcommand needs: the resolved config and
// devcycle's own logger.
type session struct {
	flags   GlobalFlags
	cfg     *devcycle.Config
	logger  *slog.Logger
	closers []io.Closer
}

func (s *session) open(cmd *cobra.Command) error {
	v := config.NewViper()
	if err := bindConfigFlags(cmd, v); err != nil {
		return err
	}
	c, err := config.Load(v, s.flags.ConfigPath)
	if err != nil {
		return err
	}
	l, closer, err := logger.New(logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Color:      !s.flags.NoColor && logger.IsTerminal(os.Stderr),
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	s.closers = append(s.closers, closer)
	slog.SetDefault(l)
	s.cfg = c
	s.logger = l
	return nil
}

// supervisor builds a supervisor from the session config.
func (s *session) supervisor() (*devcycle.Supervisor, error) {
	opts, closer, err := devcycle.OptionsFromConfig(s.cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closer)
	return devcycle.New(opts)
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
}
