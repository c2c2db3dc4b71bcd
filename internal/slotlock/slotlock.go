// Package slotlock serializes supervisor cycles that share a match pattern.
// A cycle holds both an in-process mutex and an advisory file lock, so two
// goroutines and two CLI invocations are excluded alike.
package slotlock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrBusy is returned by TryAcquire when another cycle holds the slot.
var ErrBusy = errors.New("dev server slot is held by another cycle")

const retryDelay = 50 * time.Millisecond

// DefaultDir is where lock files live when no directory is configured.
func DefaultDir() string { return filepath.Join(os.TempDir(), "devcycle") }

var (
	localMu sync.Mutex
	local   = map[string]chan struct{}{}
)

// Lock guards one match pattern.
type Lock struct {
	pattern string
	fl      *flock.Flock
	sem     chan struct{}
}

// New returns the lock for pattern stored under dir (DefaultDir when empty).
func New(dir, pattern string) *Lock {
	if dir == "" {
		dir = DefaultDir()
	}
	sum := sha256.Sum256([]byte(pattern))
	path := filepath.Join(dir, "slot-"+hex.EncodeToString(sum[:8])+".lock")
	return &Lock{
		pattern: pattern,
		fl:      flock.New(path),
		sem:     semaphore(path),
	}
}

func semaphore(path string) chan struct{} {
	localMu.Lock()
	defer localMu.Unlock()
	ch, ok := local[path]
	if !ok {
		ch = make(chan struct{}, 1)
		local[path] = ch
	}
	return ch
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.fl.Path() }

// Acquire blocks until the slot is free or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := l.prepareDir(); err != nil {
		<-l.sem
		return err
	}
	ok, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil || !ok {
		<-l.sem
		if err == nil {
			err = ErrBusy
		}
		return fmt.Errorf("lock %s: %w", l.pattern, err)
	}
	return nil
}

// TryAcquire takes the slot without waiting or returns ErrBusy.
func (l *Lock) TryAcquire() error {
	select {
	case l.sem <- struct{}{}:
	default:
		return ErrBusy
	}
	if err := l.prepareDir(); err != nil {
		<-l.sem
		return err
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		<-l.sem
		return fmt.Errorf("lock %s: %w", l.pattern, err)
	}
	if !ok {
		<-l.sem
		return ErrBusy
	}
	return nil
}

// Release frees the slot. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	err := l.fl.Unlock()
	select {
	case <-l.sem:
	default:
	}
	return err
}

func (l *Lock) prepareDir() error {
	return os.MkdirAll(filepath.Dir(l.fl.Path()), 0o750)
}
