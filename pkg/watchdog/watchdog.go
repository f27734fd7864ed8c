// Package watchdog implements the dead-man timer guarding every command
// session.
//
// While armed, the action runs once each time a full timeout passes without
// a Reset, and the timer rearms itself, so a link that stays silent sees the
// action at most once per timeout window.
package watchdog

import (
	"sync"
	"time"
)

type Watchdog struct {
	mu      sync.Mutex
	action  func()
	timeout time.Duration
	timer   *time.Timer
	armed   bool
	gen     uint64
	fired   uint64
}

// New returns a disarmed watchdog. action runs on a timer goroutine, never
// on the goroutine calling Reset.
func New(action func()) *Watchdog {
	return &Watchdog{action: action}
}

// Arm starts a fresh deadline timeout from now. Arming an armed watchdog
// restarts the deadline.
func (w *Watchdog) Arm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	w.mu.Lock()
	w.timeout = timeout
	w.armed = true
	w.scheduleLocked()
	w.mu.Unlock()
}

// Reset pushes the deadline timeout from now. It is a no-op when disarmed.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	if w.armed {
		w.scheduleLocked()
	}
	w.mu.Unlock()
}

// Disarm cancels the pending deadline. An expiry that has not yet taken the
// lock is discarded; one that already has is allowed to finish.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	w.armed = false
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Fired counts executed actions since creation.
func (w *Watchdog) Fired() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watchdog) scheduleLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() {
		w.expire(gen)
	})
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if !w.armed || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.fired++
	w.scheduleLocked()
	action := w.action
	w.mu.Unlock()

	if action != nil {
		action()
	}
}
