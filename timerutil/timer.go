// Package timerutil provides the one-shot, cancellable countdown timer
// used by the receiver's keep-alive clock and the engine's choke
// scheduler. It plays the role of the original design's
// condition-variable-based timer using time.AfterFunc instead: start(d)
// replaces any pending expiry, stop() cancels one, and the timeout
// action always runs on its own goroutine.
package timerutil

import (
	"sync"
	"time"
)

// Timer is a one-shot countdown of any time.Duration. It is safe for
// concurrent use; the zero value is not usable, use New.
type Timer struct {
	mu     sync.Mutex
	timer  *time.Timer
	action func()
	wg     sync.WaitGroup
}

// New creates a Timer that invokes action on a fresh goroutine when it
// expires. It does not start counting down until Start is called.
func New(action func()) *Timer {
	return &Timer{action: action}
}

// Start replaces any pending expiry with one that fires after d.
func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.wg.Add(1)
		defer t.wg.Done()
		t.action()
	})
}

// Stop cancels a pending expiry, if any. It does not wait for an
// already-firing callback to finish; use Wait for that.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Wait blocks until any in-flight callback goroutine has exited. A
// Timer must not be considered fully torn down until this returns.
func (t *Timer) Wait() {
	t.wg.Wait()
}
