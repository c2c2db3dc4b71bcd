package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devcycle/internal/health"
	"github.com/loykin/devcycle/internal/history"
	"github.com/loykin/devcycle/internal/launcher"
	"github.com/loykin/devcycle/internal/registry"
)

// fakeWorld is an in-memory process table shared by the fake collaborators.
type fakeWorld struct {
	mu       sync.Mutex
	pids     map[int]string
	next     int
	findErr  error
	stubborn bool // terminate never succeeds
	killable bool // kill succeeds even when stubborn

	terminates int
	kills      int
	launches   int
}

func newWorld(preexisting ...int) *fakeWorld {
	w := &fakeWorld{pids: map[int]string{}, next: 1000, killable: true}
	for _, pid := range preexisting {
		w.pids[pid] = "next dev"
	}
	return w
}

func (w *fakeWorld) Find(context.Context, string) ([]registry.Match, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.findErr != nil {
		return nil, w.findErr
	}
	var out []registry.Match
	for pid, cmd := range w.pids {
		out = append(out, registry.Match{PID: pid, CommandLine: cmd})
	}
	return out, nil
}

func (w *fakeWorld) Terminate(context.Context, string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminates++
	if w.stubborn {
		return len(w.pids) == 0, nil
	}
	w.pids = map[int]string{}
	return true, nil
}

func (w *fakeWorld) Kill(context.Context, string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kills++
	if !w.killable {
		return false, nil
	}
	w.pids = map[int]string{}
	return true, nil
}

func (w *fakeWorld) Launch(_ context.Context, command, logPath string) (*launcher.ManagedProcess, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.launches++
	w.next++
	w.pids[w.next] = "next dev"
	return &launcher.ManagedProcess{PID: w.next, Command: command, LogPath: logPath, StartedAt: time.Now()}, nil
}

func (w *fakeWorld) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pids)
}

// graceOnly hides Kill so the supervisor cannot escalate.
type graceOnly struct{ w *fakeWorld }

func (g graceOnly) Terminate(ctx context.Context, p string) (bool, error) { return g.w.Terminate(ctx, p) }

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, string, string) (*launcher.ManagedProcess, error) {
	return nil, fmt.Errorf("%w: exec: \"nope\": not found", launcher.ErrSpawnFailed)
}

type scriptedPoller struct {
	out   health.Outcome
	err   error
	block bool
	calls atomic.Int32
}

func (p *scriptedPoller) WaitReady(ctx context.Context, _ health.Config) (health.Outcome, error) {
	p.calls.Add(1)
	if p.block {
		<-ctx.Done()
		return health.Outcome{Status: health.Cancelled}, ctx.Err()
	}
	return p.out, p.err
}

type memLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
	err      error
}

func (l *memLock) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.held = true
	l.acquires++
	return nil
}

func (l *memLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.releases++
	return nil
}

func (l *memLock) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

var healthCfg = health.Config{URL: "http://127.0.0.1:3000", Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}

func newFake(t *testing.T, w *fakeWorld, p *scriptedPoller, opts ...func(*Options)) (*Supervisor, *memLock, *memSink) {
	t.Helper()
	lock := &memLock{}
	sink := &memSink{}
	o := Options{
		Pattern:    "next dev",
		Command:    "npm run dev",
		LogPath:    "/tmp/devcycle/dev-server.log",
		Health:     healthCfg,
		Registry:   w,
		Terminator: w,
		Launcher:   w,
		Poller:     p,
		Lock:       lock,
		History:    history.NewRecorder(nil, sink),
	}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	return s, lock, sink
}

func ready() *scriptedPoller {
	return &scriptedPoller{out: health.Outcome{Status: health.Ready, Probes: 3, Elapsed: 30 * time.Millisecond}}
}

func TestNewValidatesOptions(t *testing.T) {
	for name, o := range map[string]Options{
		"empty pattern": {Command: "npm run dev", LogPath: "/tmp/x.log", Health: healthCfg},
		"empty command": {Pattern: "next dev", LogPath: "/tmp/x.log", Health: healthCfg},
		"empty log":     {Pattern: "next dev", Command: "npm run dev", Health: healthCfg},
		"bad health":    {Pattern: "next dev", Command: "npm run dev", LogPath: "/tmp/x.log"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(o)
			assert.Error(t, err)
		})
	}
}

func TestRunFromEmptySlot(t *testing.T) {
	w := newWorld()
	s, lock, sink := newFake(t, w, ready())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, res.Status)
	assert.Equal(t, Ready, s.Status())
	assert.Zero(t, res.Terminated)
	assert.Equal(t, 3, res.Probes)
	require.NotNil(t, res.Process)
	assert.Equal(t, "next dev", res.Process.MatchPattern)
	assert.NotEmpty(t, res.CycleID)
	assert.Equal(t, 1, w.count())
	assert.Zero(t, w.terminates, "nothing to terminate on an empty slot")
	assert.True(t, lock.isHeld(), "slot lock stays held until Stop")
	assert.Equal(t, []history.EventType{history.EventLaunched, history.EventReady}, sink.types())

	snap := s.Snapshot()
	assert.Equal(t, "ready", snap.Status)
	assert.Equal(t, res.CycleID, snap.CycleID)
	require.NotNil(t, snap.ReadyAt)
	assert.False(t, snap.ReadyAt.IsZero())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Stopped, s.Status())
	assert.Zero(t, w.count())
	assert.False(t, lock.isHeld())
}

func TestRunReplacesAllPreexistingMatches(t *testing.T) {
	w := newWorld(11, 12)
	s, _, sink := newFake(t, w, ready())

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Terminated)
	assert.Equal(t, 1, w.count(), "exactly the launched instance remains")
	w.mu.Lock()
	_, stale := w.pids[11]
	w.mu.Unlock()
	assert.False(t, stale)
	assert.Equal(t, []history.EventType{
		history.EventDetected, history.EventTerminated, history.EventLaunched, history.EventReady,
	}, sink.types())
}

func TestRunQueryFailedDoesNotLaunch(t *testing.T) {
	w := newWorld()
	w.findErr = fmt.Errorf("%w: permission denied", registry.ErrQueryFailed)
	s, lock, sink := newFake(t, w, ready())

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrQueryFailed)
	assert.Zero(t, w.launches)
	assert.Equal(t, Absent, s.Status())
	assert.False(t, lock.isHeld())
	assert.Equal(t, []history.EventType{history.EventFailed}, sink.types())
}

func TestRunPreexistingNotStopped(t *testing.T) {
	w := newWorld(42)
	w.stubborn = true
	s, _, _ := newFake(t, w, ready())

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrPreexistingNotStopped)
	assert.Zero(t, w.launches, "no launch while a stale instance survives")
	assert.Equal(t, Absent, s.Status())
}

func TestRunSpawnFailed(t *testing.T) {
	w := newWorld()
	s, lock, _ := newFake(t, w, ready(), func(o *Options) { o.Launcher = failingLauncher{} })

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Equal(t, Absent, s.Status())
	assert.False(t, lock.isHeld())
}

func TestRunTimeoutCleansUp(t *testing.T) {
	w := newWorld()
	p := &scriptedPoller{out: health.Outcome{Status: health.TimedOut, Probes: 10, Elapsed: 100 * time.Millisecond}}
	s, lock, sink := newFake(t, w, p)

	res, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, TimedOut, res.Status)
	assert.Equal(t, Absent, s.Status(), "a retry is safe after cleanup")
	assert.Zero(t, w.count(), "a failed start must not leave the server running")
	assert.False(t, lock.isHeld())
	assert.Equal(t, []history.EventType{
		history.EventLaunched, history.EventTimedOut, history.EventStopped, history.EventFailed,
	}, sink.types())
}

func TestRunRetryAfterTimeout(t *testing.T) {
	w := newWorld()
	p := &scriptedPoller{out: health.Outcome{Status: health.TimedOut}}
	s, _, _ := newFake(t, w, p)

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)

	p.out = health.Outcome{Status: health.Ready}
	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, res.Status)
	assert.Equal(t, 1, w.count())
}

func TestRunTimeoutEscalatesToKill(t *testing.T) {
	w := newWorld()
	w.stubborn = true
	p := &scriptedPoller{out: health.Outcome{Status: health.TimedOut}}
	s, _, _ := newFake(t, w, p)

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, 1, w.kills)
	assert.Zero(t, w.count())
	assert.Equal(t, Absent, s.Status())
}

func TestRunTimeoutCleanupNotConfirmed(t *testing.T) {
	w := newWorld()
	w.stubborn = true
	w.killable = false
	p := &scriptedPoller{out: health.Outcome{Status: health.TimedOut}}
	s, _, _ := newFake(t, w, p)

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, TimedOut, s.Status())
}

func TestRunCancelledCleansUp(t *testing.T) {
	w := newWorld()
	s, lock, _ := newFake(t, w, &scriptedPoller{block: true})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, w.count())
	assert.Equal(t, Absent, s.Status())
	assert.False(t, lock.isHeld())
}

func TestRunWhileActive(t *testing.T) {
	w := newWorld()
	s, _, _ := newFake(t, w, ready())
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrCycleActive)
	assert.Equal(t, 1, w.launches)
}

func TestRunAfterStopStartsNewCycle(t *testing.T) {
	w := newWorld()
	s, lock, _ := newFake(t, w, ready())

	first, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	second, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.CycleID, second.CycleID)
	assert.Equal(t, Ready, s.Status())
	assert.Equal(t, 2, lock.acquires)
	require.NoError(t, s.Stop(context.Background()))
}

func TestRunLockError(t *testing.T) {
	w := newWorld()
	s, lock, _ := newFake(t, w, ready())
	lock.err = errors.New("busy")

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, w.launches)
	assert.Zero(t, lock.releases)
}

func TestStopIsIdempotent(t *testing.T) {
	w := newWorld()
	s, _, _ := newFake(t, w, ready())
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	terminates := w.terminates
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, terminates, w.terminates, "stop from Stopped is a no-op")
}

func TestStopFromAbsentClearsStrays(t *testing.T) {
	w := newWorld(77)
	s, _, _ := newFake(t, w, ready())

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, w.count())
	assert.Equal(t, Stopped, s.Status())
}

func TestStopNotConfirmedKeepsState(t *testing.T) {
	w := newWorld()
	s, lock, _ := newFake(t, w, ready(), func(o *Options) { o.Terminator = graceOnly{w} })
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	w.mu.Lock()
	w.stubborn = true
	w.mu.Unlock()
	err = s.Stop(context.Background())
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, Ready, s.Status())
	assert.True(t, lock.isHeld())
}

func TestStopWhileStartingInterruptsWait(t *testing.T) {
	w := newWorld()
	p := &scriptedPoller{block: true}
	s, lock, sink := newFake(t, w, p, func(o *Options) { o.Health.Timeout = 30 * time.Second })

	errc := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.Status() == Starting }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second, "stop must not wait out the readiness timeout")
	assert.Equal(t, Stopped, s.Status())
	assert.Zero(t, w.count())
	assert.False(t, lock.isHeld())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopRequested)
		assert.NotErrorIs(t, err, ErrTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Contains(t, sink.types(), history.EventStopped)
}

func TestSnapshotOmitsReadyAtBeforeReady(t *testing.T) {
	s, _, _ := newFake(t, newWorld(), ready())
	b, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "ready_at")

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	b, err = json.Marshal(s.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(b), "ready_at")
	require.NoError(t, s.Stop(context.Background()))
}

func TestCycleStopsEvenWhenVerifyFails(t *testing.T) {
	w := newWorld()
	s, _, _ := newFake(t, w, ready())

	verifyErr := errors.New("e2e failed")
	var sawReady bool
	_, err := s.Cycle(context.Background(), func(_ context.Context, res Result) error {
		sawReady = res.Status == Ready && w.count() == 1
		return verifyErr
	})
	require.ErrorIs(t, err, verifyErr)
	assert.True(t, sawReady)
	assert.Equal(t, Stopped, s.Status())
	assert.Zero(t, w.count())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(Absent, Starting))
	assert.True(t, canTransition(Starting, Ready))
	assert.True(t, canTransition(Starting, TimedOut))
	assert.True(t, canTransition(TimedOut, Stopped))
	assert.True(t, canTransition(Stopped, Absent))
	assert.False(t, canTransition(Ready, Starting))
	assert.False(t, canTransition(Absent, Ready))
	assert.False(t, canTransition(Stopped, Stopped))
	assert.False(t, canTransition(TimedOut, Ready))
}

// Real-process scenarios. "sleep <n>" stands in for the dev server: the
// launcher execs it directly so the pattern sees its command line, and the
// readiness endpoint is served by the test.

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func delayedReadyServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if time.Since(start) < delay {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func realSupervisor(t *testing.T, arg string, hc health.Config) *Supervisor {
	t.Helper()
	s, err := New(Options{
		Pattern: "literal:sleep " + arg,
		Command: "sleep " + arg,
		LogPath: filepath.Join(t.TempDir(), "dev-server.log"),
		Health:  hc,
		Grace:   200 * time.Millisecond,
		LockDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func liveMatches(t *testing.T, arg string) []registry.Match {
	t.Helper()
	m, err := registry.NewProcTable(nil).Find(context.Background(), "literal:sleep "+arg)
	require.NoError(t, err)
	return m
}

func TestRealCycleReadyAfterDelay(t *testing.T) {
	requireUnix(t)
	const arg = "4711.1"
	srv := delayedReadyServer(t, 150*time.Millisecond)
	s := realSupervisor(t, arg, health.Config{URL: srv.URL, Interval: 25 * time.Millisecond, Timeout: 5 * time.Second})

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, res.Status)
	assert.Greater(t, res.Probes, 1)

	m := liveMatches(t, arg)
	require.Len(t, m, 1, "exactly one instance while ready")
	assert.Equal(t, res.Process.PID, m[0].PID)

	require.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, liveMatches(t, arg))
}

func TestRealCycleReplacesStaleInstance(t *testing.T) {
	requireUnix(t)
	const arg = "4711.2"
	stale, err := launcher.New(launcher.Options{}).Launch(context.Background(), "sleep "+arg, filepath.Join(t.TempDir(), "stale.log"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(liveMatches(t, arg)) == 1 }, 2*time.Second, 20*time.Millisecond)

	srv := delayedReadyServer(t, 0)
	s := realSupervisor(t, arg, health.Config{URL: srv.URL, Interval: 25 * time.Millisecond, Timeout: 5 * time.Second})

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Terminated)
	m := liveMatches(t, arg)
	require.Len(t, m, 1)
	assert.NotEqual(t, stale.PID, m[0].PID)
	assert.Equal(t, res.Process.PID, m[0].PID)
}

func TestRealCycleTimeoutLeavesNothingRunning(t *testing.T) {
	requireUnix(t)
	const arg = "4711.3"
	srv := delayedReadyServer(t, time.Hour)
	s := realSupervisor(t, arg, health.Config{URL: srv.URL, Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond})

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, Absent, s.Status())
	assert.Empty(t, liveMatches(t, arg))
}
