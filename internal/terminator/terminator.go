package terminator

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/devcycle/internal/registry"
)

// DefaultGrace is how long Terminate waits after signaling before re-querying.
const DefaultGrace = time.Second

// Options tune a Terminator. Zero values select defaults.
type Options struct {
	Grace  time.Duration
	Logger *slog.Logger
	// Signal delivers sig to pid. Defaults to the platform implementation.
	Signal func(pid int, sig syscall.Signal) error
}

// Terminator stops every process matching a pattern and confirms they are gone.
type Terminator struct {
	reg    registry.Registry
	grace  time.Duration
	signal func(pid int, sig syscall.Signal) error
	logger *slog.Logger
}

func New(reg registry.Registry, opts Options) *Terminator {
	t := &Terminator{reg: reg, grace: opts.Grace, signal: opts.Signal, logger: opts.Logger}
	if t.grace <= 0 {
		t.grace = DefaultGrace
	}
	if t.signal == nil {
		t.signal = sendSignal
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Terminate sends SIGTERM to every match of pattern, waits the grace delay and
// re-queries. Survivors get one more SIGTERM; if any remain after the second
// grace delay it returns false. It never escalates to SIGKILL: that is the
// caller's decision (see Kill). With no matches it is a no-op returning true.
func (t *Terminator) Terminate(ctx context.Context, pattern string) (bool, error) {
	return t.run(ctx, pattern, syscall.SIGTERM, 2)
}

// Kill is the explicit escalation: SIGKILL every match and confirm.
func (t *Terminator) Kill(ctx context.Context, pattern string) (bool, error) {
	return t.run(ctx, pattern, syscall.SIGKILL, 1)
}

func (t *Terminator) run(ctx context.Context, pattern string, sig syscall.Signal, attempts int) (bool, error) {
	matches, err := t.reg.Find(ctx, pattern)
	if err != nil {
		return false, err
	}
	if len(matches) == 0 {
		return true, nil
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		for _, m := range matches {
			if err := t.signal(m.PID, sig); err != nil {
				t.logger.Warn("signal failed", "pattern", pattern, "pid", m.PID, "signal", sig.String(), "error", err)
				continue
			}
			t.logger.Info("signaled process", "pattern", pattern, "pid", m.PID, "signal", sig.String(), "attempt", attempt)
		}
		if err := sleepCtx(ctx, t.grace); err != nil {
			return false, err
		}
		matches, err = t.reg.Find(ctx, pattern)
		if err != nil {
			return false, err
		}
		if len(matches) == 0 {
			return true, nil
		}
	}
	pids := make([]int, 0, len(matches))
	for _, m := range matches {
		pids = append(pids, m.PID)
	}
	t.logger.Warn("processes survived termination", "pattern", pattern, "pids", pids, "signal", sig.String())
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
