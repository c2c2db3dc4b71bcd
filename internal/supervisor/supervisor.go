package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/devcycle/internal/health"
	"github.com/loykin/devcycle/internal/history"
	"github.com/loykin/devcycle/internal/launcher"
	"github.com/loykin/devcycle/internal/logsink"
	"github.com/loykin/devcycle/internal/metrics"
	"github.com/loykin/devcycle/internal/registry"
	"github.com/loykin/devcycle/internal/slotlock"
	"github.com/loykin/devcycle/internal/terminator"
)

// Terminator stops every process matching a pattern.
type Terminator interface {
	Terminate(ctx context.Context, pattern string) (bool, error)
}

// killer is implemented by terminators that can escalate to SIGKILL.
type killer interface {
	Kill(ctx context.Context, pattern string) (bool, error)
}

// Launcher starts the dev server.
type Launcher interface {
	Launch(ctx context.Context, command, logPath string) (*launcher.ManagedProcess, error)
}

// Poller waits for readiness.
type Poller interface {
	WaitReady(ctx context.Context, cfg health.Config) (health.Outcome, error)
}

// Locker serializes cycles on one match pattern.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Options configure a Supervisor. Pattern, Command, LogPath and Health are
// required; collaborators default to the OS-backed implementations.
type Options struct {
	Pattern string
	Command string
	LogPath string
	Health  health.Config

	// Launch environment.
	WorkDir string
	Env     []string
	Sink    logsink.Config

	Grace   time.Duration
	LockDir string

	Registry   registry.Registry
	Terminator Terminator
	Launcher   Launcher
	Poller     Poller
	Lock       Locker
	History    *history.Recorder
	Logger     *slog.Logger
}

func (o Options) validate() error {
	if _, err := registry.Compile(o.Pattern); err != nil {
		return err
	}
	if strings.TrimSpace(o.Command) == "" {
		return errors.New("command must not be empty")
	}
	if strings.TrimSpace(o.LogPath) == "" {
		return errors.New("log path must not be empty")
	}
	return o.Health.Validate()
}

// Result describes the outcome of Run.
type Result struct {
	CycleID string                   `json:"cycle_id"`
	Status  Status                   `json:"status"`
	Process *launcher.ManagedProcess `json:"process,omitempty"`
	// Terminated counts preexisting matches that were stopped before launch.
	Terminated int           `json:"terminated"`
	Probes     int           `json:"probes"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Snapshot is a point-in-time view of the slot.
type Snapshot struct {
	CycleID string                   `json:"cycle_id,omitempty"`
	Pattern string                   `json:"pattern"`
	Status  string                   `json:"status"`
	Process *launcher.ManagedProcess `json:"process,omitempty"`
	ReadyAt *time.Time               `json:"ready_at,omitempty"`
}

// Supervisor owns the single dev server slot for one match pattern.
//
// Run performs detection, termination of stale instances, launch and the
// readiness wait, and returns with the server running; Stop is the mandatory
// final step. A failed start never leaves the launched process behind.
type Supervisor struct {
	opts   Options
	reg    registry.Registry
	term   Terminator
	launch Launcher
	poller Poller
	lock   Locker
	hist   *history.Recorder
	logger *slog.Logger

	// op serializes Run and Stop on this instance; mu guards the fields below.
	op      sync.Mutex
	mu      sync.Mutex
	state   Status
	proc    *launcher.ManagedProcess
	cycleID string
	readyAt time.Time
	locked  bool
	// cancelRun interrupts an in-flight Run so Stop never waits out the
	// readiness timeout.
	cancelRun context.CancelCauseFunc
}

// New validates opts and wires default collaborators.
func New(opts Options) (*Supervisor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pattern", opts.Pattern)
	s := &Supervisor{
		opts:   opts,
		reg:    opts.Registry,
		term:   opts.Terminator,
		launch: opts.Launcher,
		poller: opts.Poller,
		lock:   opts.Lock,
		hist:   opts.History,
		logger: logger,
		state:  Absent,
	}
	if s.reg == nil {
		s.reg = registry.NewProcTable(logger)
	}
	if s.term == nil {
		s.term = terminator.New(s.reg, terminator.Options{Grace: opts.Grace, Logger: logger})
	}
	if s.launch == nil {
		s.launch = launcher.New(launcher.Options{WorkDir: opts.WorkDir, Env: opts.Env, Sink: opts.Sink, Logger: logger})
	}
	if s.poller == nil {
		s.poller = health.NewPoller(logger)
	}
	if s.lock == nil {
		s.lock = slotlock.New(opts.LockDir, opts.Pattern)
	}
	metrics.RecordTransition("", Absent.String())
	return s, nil
}

// Status returns the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the slot state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{CycleID: s.cycleID, Pattern: s.opts.Pattern, Status: s.state.String()}
	if !s.readyAt.IsZero() {
		t := s.readyAt
		snap.ReadyAt = &t
	}
	if s.proc != nil {
		p := *s.proc
		snap.Process = &p
	}
	return snap
}

// Run executes one cycle up to readiness. On success the slot stays held
// and the server keeps running until Stop.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	s.op.Lock()
	defer s.op.Unlock()

	switch st := s.Status(); st {
	case Stopped:
		if err := s.transition(Absent); err != nil {
			return Result{}, err
		}
	case Absent:
	default:
		return Result{Status: st}, fmt.Errorf("%w: status %s", ErrCycleActive, st)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelRun = nil
		s.mu.Unlock()
		cancel(nil)
	}()

	if err := s.lock.Acquire(ctx); err != nil {
		return Result{Status: Absent}, err
	}
	s.setLocked(true)

	res := Result{CycleID: uuid.NewString(), Status: Absent}
	s.mu.Lock()
	s.cycleID = res.CycleID
	s.proc = nil
	s.readyAt = time.Time{}
	s.mu.Unlock()

	log := s.logger.With("cycle", res.CycleID)
	res, err := s.run(ctx, log, res)
	if err != nil {
		metrics.IncCycle(cycleResult(err))
		s.record(ctx, history.EventFailed, res.Process, err)
		log.Error("cycle failed", "status", s.Status().String(), "error", err)
		s.releaseLock(log)
		return res, err
	}
	metrics.IncCycle("ready")
	return res, nil
}

func (s *Supervisor) run(ctx context.Context, log *slog.Logger, res Result) (Result, error) {
	pattern := s.opts.Pattern

	// 1. Detect.
	matches, err := s.reg.Find(ctx, pattern)
	if err != nil {
		return res, fmt.Errorf("detect %q: %w", pattern, err)
	}

	// 2. Stop whatever already occupies the slot, all matches included.
	if len(matches) > 0 {
		pids := make([]int, 0, len(matches))
		for _, m := range matches {
			pids = append(pids, m.PID)
		}
		log.Info("stale dev server detected", "pids", pids)
		s.record(ctx, history.EventDetected, &launcher.ManagedProcess{PID: pids[0]}, nil)
		confirmed, err := s.term.Terminate(ctx, pattern)
		metrics.IncTermination("preexisting", confirmed && err == nil)
		if err != nil {
			return res, fmt.Errorf("terminate preexisting: %w", err)
		}
		if !confirmed {
			return res, fmt.Errorf("%w: pids %v", ErrPreexistingNotStopped, pids)
		}
		res.Terminated = len(matches)
		s.record(ctx, history.EventTerminated, nil, nil)
	}

	// 3. Launch.
	proc, err := s.launch.Launch(ctx, s.opts.Command, s.opts.LogPath)
	if err != nil {
		return res, err
	}
	proc.MatchPattern = pattern
	res.Process = proc
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()
	if err := s.transition(Starting); err != nil {
		return res, errors.Join(err, s.cleanup(ctx, log))
	}
	res.Status = Starting
	metrics.IncLaunch()
	s.record(ctx, history.EventLaunched, proc, nil)
	log.Info("dev server launched", "pid", proc.PID, "command", proc.Command, "log", proc.LogPath)

	// 4. Wait for readiness.
	out, werr := s.poller.WaitReady(ctx, s.opts.Health)
	res.Probes = out.Probes
	res.Elapsed = out.Elapsed

	switch {
	case werr == nil && out.Status == health.Ready:
		// 5. Verification-ready.
		if err := s.transition(Ready); err != nil {
			return res, errors.Join(err, s.cleanup(ctx, log))
		}
		res.Status = Ready
		s.mu.Lock()
		s.readyAt = time.Now()
		s.mu.Unlock()
		metrics.ObserveReady(out.Elapsed.Seconds())
		s.record(ctx, history.EventReady, proc, nil)
		log.Info("dev server ready", "pid", proc.PID, "url", s.opts.Health.URL, "probes", out.Probes, "elapsed", out.Elapsed.String())
		return res, nil

	case werr == nil && out.Status == health.TimedOut:
		// 6. Never leave a failed start running.
		_ = s.transition(TimedOut)
		res.Status = TimedOut
		s.record(ctx, history.EventTimedOut, proc, ErrTimedOut)
		timeoutErr := fmt.Errorf("%w: %s after %s (%d probes)", ErrTimedOut, s.opts.Health.URL, s.opts.Health.Timeout, out.Probes)
		return res, errors.Join(timeoutErr, s.cleanup(ctx, log))

	default:
		// Cancellation (or any other wait failure) gets the same cleanup.
		if werr == nil {
			werr = fmt.Errorf("unexpected readiness outcome %s", out.Status)
		}
		if cause := context.Cause(ctx); errors.Is(cause, ErrStopRequested) {
			werr = cause
		}
		return res, errors.Join(werr, s.cleanup(ctx, log))
	}
}

// Stop terminates the dev server and moves the slot to Stopped. It is the
// mandatory last step of a successful cycle and is valid from any state
// except Stopped, where it is a no-op. A Run still starting is interrupted,
// cleans up its launch and returns ErrStopRequested.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun(ErrStopRequested)
	}
	s.mu.Unlock()

	s.op.Lock()
	defer s.op.Unlock()

	if s.Status() == Stopped {
		return nil
	}
	log := s.logger.With("cycle", s.Snapshot().CycleID)
	if err := s.stop(ctx, log, "final"); err != nil {
		return err
	}
	s.releaseLock(log)
	log.Info("dev server stopped")
	return nil
}

// cleanup tears down the launched process after a failed readiness wait.
// It ignores ctx cancellation: a cancelled wait must still clean up.
// On success the slot is back to Absent so a retry is safe.
func (s *Supervisor) cleanup(ctx context.Context, log *slog.Logger) error {
	if err := s.stop(context.WithoutCancel(ctx), log, "cleanup"); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return s.transition(Absent)
}

// stop terminates every match of the pattern, escalating to SIGKILL when the
// terminator supports it and the graceful pass is not confirmed: the
// supervisor owns the process and must not leave it behind.
func (s *Supervisor) stop(ctx context.Context, log *slog.Logger, reason string) error {
	pattern := s.opts.Pattern
	confirmed, err := s.term.Terminate(ctx, pattern)
	if err == nil && !confirmed {
		if k, ok := s.term.(killer); ok {
			log.Warn("graceful stop not confirmed, escalating to SIGKILL", "reason", reason)
			confirmed, err = k.Kill(ctx, pattern)
		}
	}
	metrics.IncTermination(reason, confirmed && err == nil)
	if err != nil {
		return err
	}
	if !confirmed {
		return ErrNotConfirmed
	}
	if err := s.transition(Stopped); err != nil {
		return err
	}
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	s.record(ctx, history.EventStopped, proc, nil)
	return nil
}

func (s *Supervisor) transition(to Status) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.mu.Unlock()
	metrics.RecordTransition(from.String(), to.String())
	s.logger.Debug("state transition", "from", from.String(), "to", to.String())
	return nil
}

func (s *Supervisor) setLocked(v bool) {
	s.mu.Lock()
	s.locked = v
	s.mu.Unlock()
}

func (s *Supervisor) releaseLock(log *slog.Logger) {
	s.mu.Lock()
	held := s.locked
	s.locked = false
	s.mu.Unlock()
	if !held {
		return
	}
	if err := s.lock.Release(); err != nil {
		log.Warn("release slot lock", "error", err)
	}
}

func (s *Supervisor) record(ctx context.Context, t history.EventType, proc *launcher.ManagedProcess, err error) {
	if s.hist == nil {
		return
	}
	e := history.Event{Type: t, Pattern: s.opts.Pattern, Status: s.Status().String()}
	s.mu.Lock()
	e.CycleID = s.cycleID
	s.mu.Unlock()
	if proc != nil {
		e.PID = proc.PID
		e.Command = proc.Command
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.hist.Record(ctx, e)
}

func cycleResult(err error) string {
	switch {
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrStopRequested):
		return "stopped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}

// VerifyFunc exercises a ready server during the verification window.
type VerifyFunc func(ctx context.Context, res Result) error

// Cycle runs a full cycle: Run, the optional verification window, and the
// final Stop, which happens even when verify fails.
func (s *Supervisor) Cycle(ctx context.Context, verify VerifyFunc) (Result, error) {
	res, err := s.Run(ctx)
	if err != nil {
		return res, err
	}
	var verr error
	if verify != nil {
		verr = verify(ctx, res)
	}
	serr := s.Stop(context.WithoutCancel(ctx))
	return res, errors.Join(verr, serr)
}
