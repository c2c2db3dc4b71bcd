// Package devcycle supervises a single development server for an automated
// agent: it stops any stale instance, launches a fresh one in the
// background, waits until it answers HTTP and guarantees it is stopped again.
package devcycle

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/devcycle/internal/config"
	"github.com/loykin/devcycle/internal/health"
	"github.com/loykin/devcycle/internal/history"
	"github.com/loykin/devcycle/internal/history/factory"
	"github.com/loykin/devcycle/internal/launcher"
	"github.com/loykin/devcycle/internal/logsink"
	"github.com/loykin/devcycle/internal/metrics"
	"github.com/loykin/devcycle/internal/registry"
	iapi "github.com/loykin/devcycle/internal/server"
	"github.com/loykin/devcycle/internal/supervisor"
	"github.com/loykin/devcycle/internal/terminator"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type HealthCheckConfig = health.Config

type ManagedProcess = launcher.ManagedProcess

type Match = registry.Match

type Result = supervisor.Result

type Snapshot = supervisor.Snapshot

type Status = supervisor.Status

type Options = supervisor.Options

type VerifyFunc = supervisor.VerifyFunc

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	Absent   = supervisor.Absent
	Starting = supervisor.Starting
	Ready    = supervisor.Ready
	TimedOut = supervisor.TimedOut
	Stopped  = supervisor.Stopped
)

var (
	ErrQueryFailed           = supervisor.ErrQueryFailed
	ErrPreexistingNotStopped = supervisor.ErrPreexistingNotStopped
	ErrSpawnFailed           = supervisor.ErrSpawnFailed
	ErrTimedOut              = supervisor.ErrTimedOut
	ErrNotConfirmed          = supervisor.ErrNotConfirmed
	ErrCycleActive           = supervisor.ErrCycleActive
	ErrStopRequested         = supervisor.ErrStopRequested
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(opts Options) (*Supervisor, error) {
	s, err := supervisor.New(opts)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

// RunCycle detects, replaces, launches and waits for readiness. It returns
// with the server running; Stop must follow.
func (s *Supervisor) RunCycle(ctx context.Context) (Result, error) { return s.inner.Run(ctx) }
func (s *Supervisor) Stop(ctx context.Context) error               { return s.inner.Stop(ctx) }
func (s *Supervisor) Cycle(ctx context.Context, verify VerifyFunc) (Result, error) {
	return s.inner.Cycle(ctx, verify)
}
func (s *Supervisor) Status() Status     { return s.inner.Status() }
func (s *Supervisor) Snapshot() Snapshot { return s.inner.Snapshot() }

// RunCycle performs one complete cycle for matchPattern: readiness, the
// optional verify window, and the final stop.
func RunCycle(ctx context.Context, matchPattern, command, logPath string, hc HealthCheckConfig, verify VerifyFunc) (Result, error) {
	s, err := New(Options{Pattern: matchPattern, Command: command, LogPath: logPath, Health: hc})
	if err != nil {
		return Result{}, err
	}
	return s.Cycle(ctx, verify)
}

// LoadConfig reads a TOML file (optional) plus DEVCYCLE_* environment.
func LoadConfig(path string) (*Config, error) { return cfg.Load(cfg.NewViper(), path) }

// OptionsFromConfig maps a loaded config onto supervisor options, opening
// the history sink when one is configured. The closer releases it.
func OptionsFromConfig(c *Config, logger *slog.Logger) (Options, io.Closer, error) {
	env, err := c.LaunchEnv()
	if err != nil {
		return Options{}, nil, err
	}
	var sinks []history.Sink
	if c.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return Options{}, nil, err
		}
		sinks = append(sinks, sink)
	}
	rec := history.NewRecorder(logger, sinks...)
	return Options{
		Pattern: c.Pattern,
		Command: c.Command,
		LogPath: c.LogPath,
		Health:  c.Health,
		WorkDir: c.WorkDir,
		Env:     env,
		Sink:    c.Sink(),
		Grace:   c.Grace,
		LockDir: c.LockDir,
		History: rec,
		Logger:  logger,
	}, rec, nil
}

// FindMatches lists live processes whose command line matches pattern.
func FindMatches(ctx context.Context, pattern string, logger *slog.Logger) ([]Match, error) {
	return registry.NewProcTable(logger).Find(ctx, pattern)
}

// Terminate stops every match of pattern, with SIGKILL when force is set.
// It reports whether the table was confirmed empty.
func Terminate(ctx context.Context, pattern string, grace time.Duration, force bool, logger *slog.Logger) (bool, error) {
	t := terminator.New(registry.NewProcTable(logger), terminator.Options{Grace: grace, Logger: logger})
	if force {
		return t.Kill(ctx, pattern)
	}
	return t.Terminate(ctx, pattern)
}

// TailLog returns the last n lines of a dev server log.
func TailLog(path string, n int) ([]string, error) { return logsink.Tail(path, n) }

// NewStatusServer serves the status router for s on addr. The channel is
// closed once a POST /stop succeeded.
func NewStatusServer(addr, basePath, logPath string, s *Supervisor, logger *slog.Logger) (*http.Server, <-chan struct{}) {
	r := iapi.NewRouter(s.inner, registry.NewProcTable(logger), logPath, basePath)
	return iapi.NewServer(addr, r), r.Stopped()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
