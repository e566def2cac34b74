// Package watchdog provides a single-shot, restartable liveness deadline.
//
// A Watchdog separates "nothing was sent so nothing came back" from "a write
// was acknowledged and the peer then went silent". Arm starts a deadline in
// the ineligible state and returns a token for it; MarkEligible records a
// confirmed write for that token. Only an eligible deadline that runs out
// invokes the expiry callback.
package watchdog

import (
	"sync"
	"time"
)

// DefaultTimeout is the grace period after a publish.
const DefaultTimeout = 2 * time.Second

// Watchdog is safe for concurrent use.
type Watchdog struct {
	timeout  time.Duration
	onExpire func()

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	eligible bool
	stopped  bool
}

// New creates a watchdog that calls onExpire when an eligible deadline passes.
func New(timeout time.Duration, onExpire func()) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watchdog{timeout: timeout, onExpire: onExpire}
}

// Arm cancels any pending deadline, starts a fresh one and clears the
// eligible flag. The returned generation identifies the new deadline.
func (w *Watchdog) Arm() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return w.gen
	}
	w.cancelLocked()
	w.eligible = false

	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
	return gen
}

// MarkEligible makes the expiry of the deadline started by the Arm that
// returned gen meaningful. It does nothing once that deadline was replaced,
// cancelled or has fired.
func (w *Watchdog) MarkEligible(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || w.timer == nil || gen != w.gen {
		return false
	}
	w.eligible = true
	return true
}

// Eligible reports whether an expiry would currently trigger the callback.
func (w *Watchdog) Eligible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eligible
}

// Pending reports whether a deadline is scheduled.
func (w *Watchdog) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Cancel drops the pending deadline, if any.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	w.cancelLocked()
	w.mu.Unlock()
}

// Stop cancels the pending deadline and ignores every later Arm.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.cancelLocked()
	w.stopped = true
	w.eligible = false
	w.mu.Unlock()
}

// cancelLocked bumps the generation so a timer that already fired but has not
// yet taken the lock is ignored.
func (w *Watchdog) cancelLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.stopped {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	eligible := w.eligible
	w.eligible = false
	w.mu.Unlock()

	if eligible && w.onExpire != nil {
		w.onExpire()
	}
}
