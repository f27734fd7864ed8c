package link

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"rcdrive/pkg/logger"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
)

const DefaultWriteTimeout = 500 * time.Millisecond

// Writer serialises every write to the physical link. Writes are bounded:
// one that does not finish within the write timeout fails with
// ErrUnavailable and the link is reported degraded until a later write
// succeeds. A port without write deadlines is written from a helper
// goroutine; while it is stuck every write is refused, and when it drains
// the writer sends a stop before accepting writes again.
type Writer struct {
	mu       sync.Mutex
	port     io.Writer
	timeout  time.Duration
	log      *logger.Logger
	onHealth func(ok bool)

	healthy atomic.Bool
	pending atomic.Bool
}

type WriterOption func(*Writer)

func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithLogger(l *logger.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithHealthHandler registers fn for health transitions. fn runs on the
// writing goroutine and must not block.
func WithHealthHandler(fn func(ok bool)) WriterOption {
	return func(w *Writer) {
		w.onHealth = fn
	}
}

func NewWriter(port io.Writer, opts ...WriterOption) *Writer {
	w := &Writer{
		port:    port,
		timeout: DefaultWriteTimeout,
		log:     logger.Nop(),
	}
	w.healthy.Store(port != nil)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteKey forwards one legacy command byte.
func (w *Writer) WriteKey(b byte) error {
	if !protocol.IsLegacyCommand(b) {
		w.log.Warnf("illegal command byte intercepted: %q", b)
		return fmt.Errorf("%w: %q", ErrIllegal, b)
	}
	return w.write([]byte{b})
}

// WriteVelocity sends cmd as one direct line.
func (w *Writer) WriteVelocity(cmd motion.Command) error {
	return w.write(protocol.EncodeVelocity(cmd))
}

// Stop sends the legacy stop byte.
func (w *Writer) Stop() error {
	return w.write([]byte{protocol.KeyStop})
}

// Toggle asks the controller to flip READY/ACTIVE.
func (w *Writer) Toggle() error {
	return w.write([]byte{protocol.KeyToggle})
}

func (w *Writer) Healthy() bool {
	return w.healthy.Load()
}

func (w *Writer) write(p []byte) error {
	w.mu.Lock()
	err := w.writeLocked(p)
	w.mu.Unlock()

	if err != nil {
		w.log.Errorf("serial write %q failed: %v", p, err)
	} else {
		w.log.Debugf("serial write: %q", p)
	}
	w.setHealthy(err == nil)
	return err
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (w *Writer) writeLocked(p []byte) error {
	if w.port == nil {
		return fmt.Errorf("%w: port not open", ErrUnavailable)
	}
	if w.pending.Load() {
		return fmt.Errorf("%w: previous write still pending", ErrUnavailable)
	}

	if d, ok := w.port.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(w.timeout)); err == nil {
			if _, err := w.port.Write(p); err != nil {
				return fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			return nil
		}
	}

	// no deadline support: run the write aside and stop waiting on timeout
	pw := &pendingWrite{done: make(chan error, 1)}
	w.pending.Store(true)
	go w.finish(pw, p)
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case err := <-pw.done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	case <-timer.C:
	}
	pw.mu.Lock()
	if pw.finished {
		pw.mu.Unlock()
		if err := <-pw.done; err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil
	}
	pw.abandoned = true
	pw.mu.Unlock()
	return fmt.Errorf("%w: write timed out after %v", ErrUnavailable, w.timeout)
}

// pendingWrite is a write running without a deadline. Once its caller has
// given up on it, the goroutine finishing it owns the link until it has
// settled it.
type pendingWrite struct {
	mu        sync.Mutex
	finished  bool
	abandoned bool
	done      chan error
}

func (w *Writer) finish(pw *pendingWrite, p []byte) {
	_, err := w.port.Write(p)
	pw.mu.Lock()
	pw.finished = true
	abandoned := pw.abandoned
	pw.mu.Unlock()
	if !abandoned {
		w.pending.Store(false)
		pw.done <- err
		return
	}

	// The caller was told this write failed and every write since was
	// refused, stops included. What just landed may be a stale setpoint,
	// so the link is left stopped before it is released.
	if err == nil && !(len(p) == 1 && p[0] == protocol.KeyStop) {
		_, err = w.port.Write([]byte{protocol.KeyStop})
	}
	w.pending.Store(false)
	if err != nil {
		w.log.Errorf("stalled serial write %q failed: %v", p, err)
	} else {
		w.log.Warnf("stalled serial write %q drained, stop sent", p)
	}
	w.setHealthy(err == nil)
}

func (w *Writer) setHealthy(ok bool) {
	if w.healthy.Swap(ok) == ok {
		return
	}
	if ok {
		w.log.Infof("link recovered")
	} else {
		w.log.Warnf("link degraded")
	}
	if w.onHealth != nil {
		w.onHealth(ok)
	}
}
