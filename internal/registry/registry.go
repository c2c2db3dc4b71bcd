package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrQueryFailed is returned when the OS process table cannot be read.
var ErrQueryFailed = errors.New("process table query failed")

// Match is one process table entry whose command line matched a pattern.
type Match struct {
	PID         int       `json:"pid"`
	CommandLine string    `json:"command_line"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Registry finds processes by command line.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Find returns every process whose command line matches pattern.
	// Ordering is unspecified.
	Find(ctx context.Context, pattern string) ([]Match, error)
}

// lister enumerates the process table.
type lister func(ctx context.Context) ([]*gopsproc.Process, error)

// ProcTable is the Registry backed by the live OS process table.
// The calling process and its ancestors are never reported: their own
// command lines frequently carry the pattern as an argument.
type ProcTable struct {
	list   lister
	logger *slog.Logger
}

// NewProcTable returns a Registry reading the OS process table via gopsutil.
func NewProcTable(logger *slog.Logger) *ProcTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcTable{list: gopsproc.ProcessesWithContext, logger: logger}
}

func (t *ProcTable) Find(ctx context.Context, pattern string) ([]Match, error) {
	pat, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	procs, err := t.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	skip := selfAndAncestors(ctx)
	var out []Match
	for _, p := range procs {
		pid := int(p.Pid)
		if _, ok := skip[pid]; ok {
			continue
		}
		// The process may exit between enumeration and this read; that is
		// not a query failure, just a process that no longer matches.
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !pat.Match(cmdline) {
			continue
		}
		m := Match{PID: pid, CommandLine: cmdline}
		if ts := getProcStartUnix(pid); ts > 0 {
			m.StartedAt = time.Unix(ts, 0)
		}
		out = append(out, m)
	}
	t.logger.Debug("process table queried", "pattern", pattern, "scanned", len(procs), "matches", len(out))
	return out, nil
}

// selfAndAncestors walks the parent chain of the current process.
func selfAndAncestors(ctx context.Context) map[int]struct{} {
	out := map[int]struct{}{os.Getpid(): {}}
	pid := os.Getppid()
	for i := 0; pid > 1 && i < 64; i++ {
		if _, seen := out[pid]; seen {
			break
		}
		out[pid] = struct{}{}
		p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			break
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			break
		}
		pid = int(ppid)
	}
	return out
}
