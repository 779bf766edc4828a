package shutdown

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShuttingDown is returned when an operation is started after shutdown
// has begun.
var ErrShuttingDown = errors.New("shutting down")

// ErrWaitTimeout is returned when in-flight operations outlive the wait.
var ErrWaitTimeout = errors.New("timed out waiting for in-flight operations")

// Tracker counts in-flight operations so shutdown can wait for them.
type Tracker struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active atomic.Int64
	closed bool
}

// NewTracker returns an open Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin registers a new operation. It returns false once the tracker is
// closed; otherwise the caller must call End exactly once.
func (t *Tracker) Begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	return true
}

// End marks one operation finished.
func (t *Tracker) End() {
	t.active.Add(-1)
	t.wg.Done()
}

// Close rejects new operations. Running ones are unaffected.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Wait blocks until every operation has ended or timeout passes.
func (t *Tracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// Active returns the number of running operations.
func (t *Tracker) Active() int64 {
	return t.active.Load()
}

// Closed reports whether Close has been called.
func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
