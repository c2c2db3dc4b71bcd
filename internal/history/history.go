// Package history exports supervisor cycle events to audit stores.
// Sinks are write-only: the supervisor never reads them back, every cycle
// re-derives state from the live process table.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of cycle event.
type EventType string

const (
	EventDetected   EventType = "detected"
	EventTerminated EventType = "terminated"
	EventLaunched   EventType = "launched"
	EventReady      EventType = "ready"
	EventTimedOut   EventType = "timed_out"
	EventStopped    EventType = "stopped"
	EventFailed     EventType = "failed"
)

// Event is one step of a supervisor cycle.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	CycleID    string    `json:"cycle_id"`
	Pattern    string    `json:"pattern"`
	PID        int       `json:"pid"`
	Command    string    `json:"command,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink failures are logged and never
// interrupt a cycle.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: 2 * time.Second, logger: logger}
}

// Record sends e to every sink, stamping OccurredAt when unset.
// A nil Recorder is valid and records nothing.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "event", string(e.Type), "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
