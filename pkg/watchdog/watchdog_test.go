package watchdog

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *recorder) fire() {
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
}

func (r *recorder) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func TestFrequentResetNeverFires(t *testing.T) {
	var rec recorder
	wd := New(rec.fire)
	wd.Arm(100 * time.Millisecond)
	defer wd.Disarm()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case <-ticker.C:
			wd.Reset()
		case <-deadline:
			break loop
		}
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("watchdog fired %d times despite resets", got)
	}
}

func TestSilenceFiresOncePerWindow(t *testing.T) {
	const timeout = 200 * time.Millisecond
	var rec recorder
	wd := New(rec.fire)
	start := time.Now()
	wd.Arm(timeout)
	defer wd.Disarm()

	time.Sleep(timeout + timeout/2)
	times := rec.snapshot()
	if len(times) != 1 {
		t.Fatalf("expected exactly one firing, got %d", len(times))
	}
	if elapsed := times[0].Sub(start); elapsed < timeout {
		t.Fatalf("fired early after %v", elapsed)
	}

	// rearmed: a second window produces a second firing, not a burst
	time.Sleep(timeout)
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("expected two firings after two windows, got %d", got)
	}
	if wd.Fired() != 2 {
		t.Fatalf("unexpected fired counter: %d", wd.Fired())
	}
}

func TestResetWhileDisarmedIsNoop(t *testing.T) {
	var fired atomic.Int32
	wd := New(func() { fired.Add(1) })
	wd.Reset()
	time.Sleep(30 * time.Millisecond)
	if wd.Armed() {
		t.Fatalf("reset armed the watchdog")
	}
	if fired.Load() != 0 {
		t.Fatalf("disarmed watchdog fired")
	}
}

func TestDisarmCancelsPendingExpiry(t *testing.T) {
	var fired atomic.Int32
	wd := New(func() { fired.Add(1) })
	wd.Arm(40 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	wd.Disarm()
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("disarmed watchdog fired %d times", fired.Load())
	}
	if wd.Armed() {
		t.Fatalf("watchdog still armed")
	}
}

func TestStaleExpiryIsDiscarded(t *testing.T) {
	var fired atomic.Int32
	wd := New(func() { fired.Add(1) })
	wd.Arm(time.Hour)

	// an expiry callback from an earlier arm cycle must not run the action
	wd.mu.Lock()
	stale := wd.gen
	wd.mu.Unlock()
	wd.Disarm()
	wd.expire(stale)

	wd.Arm(time.Hour)
	wd.expire(stale)
	wd.Disarm()

	if fired.Load() != 0 {
		t.Fatalf("stale expiry ran the action")
	}
}

func TestActionMayResetWithoutDeadlock(t *testing.T) {
	done := make(chan struct{}, 1)
	var wd *Watchdog
	wd = New(func() {
		wd.Reset()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	wd.Arm(10 * time.Millisecond)
	defer wd.Disarm()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("action did not run")
	}
}

func TestRearmRestartsDeadline(t *testing.T) {
	var fired atomic.Int32
	wd := New(func() { fired.Add(1) })
	wd.Arm(60 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	wd.Arm(60 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("re-arm did not restart the deadline")
	}
	wd.Disarm()
}
