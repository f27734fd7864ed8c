// Package controller runs the vehicle-side state machine: it decodes the
// command link, gates motion on the ACTIVE state and emits one actuation
// frame per control cycle.
package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"rcdrive/pkg/logger"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
)

const (
	DefaultPeriod = 50 * time.Millisecond
	readChunk     = 64
)

type Controller struct {
	mu          sync.Mutex
	dec         *protocol.Decoder
	state       protocol.State
	period      time.Duration
	linkTimeout time.Duration
	log         *logger.Logger
	onState     func(protocol.State)

	// set while an ACTIVE request waits for the vehicle to follow
	pendingActive bool

	vehicleKnown  bool
	vehicleActive bool

	lastByte time.Time
	silenced bool
}

type Option func(*Controller)

func WithPeriod(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.period = d
		}
	}
}

// WithDecoder replaces the default link decoder (step 0.1, heartbeat 'H').
func WithDecoder(d *protocol.Decoder) Option {
	return func(c *Controller) {
		if d != nil {
			c.dec = d
		}
	}
}

// WithLinkTimeout zeroes the setpoint once per silence longer than d.
// Zero disables it.
func WithLinkTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.linkTimeout = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStateHandler is called on every state transition, under the
// controller lock; it must not block.
func WithStateHandler(fn func(protocol.State)) Option {
	return func(c *Controller) {
		c.onState = fn
	}
}

func New(opts ...Option) *Controller {
	c := &Controller{
		dec:    protocol.NewDecoder(),
		state:  protocol.StateReady,
		period: DefaultPeriod,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() protocol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReportVehicle records whether the vehicle says it is in the ACTIVE state.
// The report is applied on the next cycle.
func (c *Controller) ReportVehicle(active bool) {
	c.mu.Lock()
	c.vehicleKnown = true
	c.vehicleActive = active
	c.mu.Unlock()
}

// Step runs one control cycle over the bytes that arrived since the last
// one and returns the frame to emit.
func (c *Controller) Step(now time.Time, p []byte) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastByte.IsZero() || len(p) > 0 {
		c.lastByte = now
		c.silenced = false
	}

	c.dec.Feed(p, func(ev protocol.Event) {
		switch ev.Kind {
		case protocol.EventToggle:
			c.toggleLocked()
		case protocol.EventMotion:
			if c.state != protocol.StateActive {
				c.dec.SetSetpoint(motion.Zero)
			}
		case protocol.EventMalformed:
			c.log.Debugf("discarding link unit: %v", ev.Err)
		case protocol.EventIgnored:
			c.log.Debugf("ignoring link byte %q", ev.Byte)
		}
	})

	if c.state != protocol.StateActive {
		c.dec.SetSetpoint(motion.Zero)
	}
	c.applyInterlockLocked()

	if c.linkTimeout > 0 && !c.silenced && now.Sub(c.lastByte) >= c.linkTimeout {
		c.silenced = true
		if !c.dec.Setpoint().IsZero() {
			c.log.Warnf("no link traffic for %v, zeroing setpoint", c.linkTimeout)
		}
		c.dec.SetSetpoint(motion.Zero)
	}

	sp := c.dec.Setpoint()
	return Frame{State: c.state, Linear: sp.Linear, Angular: sp.Angular}
}

func (c *Controller) toggleLocked() {
	c.setStateLocked(c.state.Toggled())
	c.pendingActive = c.state == protocol.StateActive
}

// applyInterlockLocked follows the vehicle's own state report. A vehicle
// that is not ACTIVE gets zero setpoints; the controller falls back to
// READY unless its ACTIVE request has not been serviced yet.
func (c *Controller) applyInterlockLocked() {
	if !c.vehicleKnown {
		return
	}
	if c.vehicleActive {
		if c.state == protocol.StateActive {
			c.pendingActive = false
		}
		return
	}
	c.dec.SetSetpoint(motion.Zero)
	if c.state == protocol.StateActive && !c.pendingActive {
		c.log.Warnf("vehicle left ACTIVE, falling back to READY")
		c.setStateLocked(protocol.StateReady)
	}
}

func (c *Controller) setStateLocked(s protocol.State) {
	if s == c.state {
		return
	}
	c.state = s
	c.log.Infof("state -> %s", s)
	if c.onState != nil {
		c.onState(s)
	}
}

// Run drives the control cycle on port until ctx ends or the port fails.
// Status lines for every transition go back up the same port.
func (c *Controller) Run(ctx context.Context, port io.ReadWriter, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	status := newStatusWriter(port, c.log)
	go status.run(ctx)
	c.mu.Lock()
	prev := c.onState
	c.onState = func(s protocol.State) {
		status.Report(s)
		if prev != nil {
			prev(s)
		}
	}
	initial := c.state
	c.mu.Unlock()
	status.Report(initial)

	chunks := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go readPort(ctx, port, chunks, readErr)

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	var pending []byte
	sinkFailing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case chunk := <-chunks:
			pending = append(pending, chunk...)
		case now := <-ticker.C:
			frame := c.Step(now, pending)
			pending = pending[:0]
			if err := sink.Emit(frame); err != nil {
				if !sinkFailing {
					c.log.Errorf("emit actuation frame: %v", err)
				}
				sinkFailing = true
			} else {
				sinkFailing = false
			}
		}
	}
}

// readPort forwards what the link delivers. A serial port with a read
// timeout reports idle as io.EOF.
func readPort(ctx context.Context, r io.Reader, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		errc <- err
		return
	}
}
