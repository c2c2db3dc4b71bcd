package supervisor

import (
	"errors"

	"github.com/loykin/devcycle/internal/launcher"
	"github.com/loykin/devcycle/internal/registry"
)

var (
	// ErrQueryFailed: the OS process table could not be read. Fatal for the cycle.
	ErrQueryFailed = registry.ErrQueryFailed
	// ErrPreexistingNotStopped: a prior instance survived termination; nothing was launched.
	ErrPreexistingNotStopped = errors.New("preexisting process not stopped")
	// ErrSpawnFailed: the command or its log sink was unusable.
	ErrSpawnFailed = launcher.ErrSpawnFailed
	// ErrTimedOut: the readiness probe never succeeded. The launched process
	// has already been torn down when this is returned.
	ErrTimedOut = errors.New("dev server did not become ready in time")
	// ErrNotConfirmed: a stop could not confirm that all matches are gone.
	ErrNotConfirmed = errors.New("termination not confirmed")
	// ErrStopRequested: Stop interrupted a Run before the server became ready.
	ErrStopRequested = errors.New("stop requested before the dev server became ready")
	// ErrCycleActive: Run was called while a cycle is still starting or ready.
	ErrCycleActive = errors.New("a cycle is already active")
	// ErrInvalidTransition guards the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)
