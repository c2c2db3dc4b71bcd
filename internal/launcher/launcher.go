package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/devcycle/internal/logsink"
)

// ErrSpawnFailed is returned when the command cannot be started or its log
// sink cannot be opened for writing.
var ErrSpawnFailed = errors.New("spawn failed")

// ManagedProcess is the record of one launched dev server.
type ManagedProcess struct {
	PID          int       `json:"pid"`
	Command      string    `json:"command"`
	MatchPattern string    `json:"match_pattern"`
	LogPath      string    `json:"log_path"`
	StartedAt    time.Time `json:"started_at"`
}

// Options configure a Launcher.
type Options struct {
	WorkDir string
	// Env entries ("K=V") applied over the supervisor's environment.
	// Values may reference other variables as ${VAR}.
	Env []string
	// Sink carries rotation settings; its Path is replaced per Launch.
	Sink   logsink.Config
	Logger *slog.Logger
}

// Launcher starts detached children whose output goes to a log sink.
type Launcher struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Launcher {
	l := &Launcher{opts: opts, logger: opts.Logger}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Launch starts command detached from the caller's process group with stdout
// and stderr appended to logPath. The returned pid has been accepted by the
// OS; the child may not have produced output yet.
func (l *Launcher) Launch(ctx context.Context, command, logPath string) (*ManagedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	sink := l.opts.Sink
	sink.Path = logPath
	out, err := sink.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open log sink %s: %v", ErrSpawnFailed, logPath, err)
	}
	// The child keeps its own descriptor; ours is only needed until Start.
	defer func() { _ = out.Close() }()

	cmd := buildCommand(command)
	cmd.Stdout = out
	cmd.Stderr = out
	if l.opts.WorkDir != "" {
		cmd.Dir = l.opts.WorkDir
	}
	if len(l.opts.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), l.opts.Env)
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, command, err)
	}
	pid := cmd.Process.Pid
	if !pidAccepted(pid) {
		// Nothing will own this child; make sure it is gone and reaped.
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		return nil, fmt.Errorf("%w: pid %d not accepted by the OS", ErrSpawnFailed, pid)
	}
	mp := &ManagedProcess{PID: pid, Command: command, LogPath: logPath, StartedAt: time.Now()}
	go l.reap(cmd, mp)
	l.logger.Info("launched process", "pid", pid, "command", command, "log", logPath)
	return mp, nil
}

// pidAccepted is swapped in tests.
var pidAccepted = processAlive

// reap waits for the child so an exit while the supervisor is alive never
// leaves a zombie that still occupies the process table.
func (l *Launcher) reap(cmd *exec.Cmd, mp *ManagedProcess) {
	err := cmd.Wait()
	l.logger.Debug("launched process exited", "pid", mp.PID, "command", mp.Command, "uptime", time.Since(mp.StartedAt).String(), "error", err)
}
