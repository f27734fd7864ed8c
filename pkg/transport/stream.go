package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rcdrive/pkg/engine"
	"rcdrive/pkg/link"
	"rcdrive/pkg/logger"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
	"rcdrive/pkg/watchdog"
)

const streamSource = "tcp"

// LinkWriter is the part of link.Writer a command channel drives.
type LinkWriter interface {
	WriteKey(b byte) error
	WriteVelocity(cmd motion.Command) error
	Stop() error
	Toggle() error
}

// StreamServer is the exclusive stream channel: one operator connection at
// a time, each guarded by its own watchdog. A connection arriving while a
// session is up is closed at once; the operator's dialer retries.
type StreamServer struct {
	addr      string
	link      LinkWriter
	owner     *link.Owner
	hub       *engine.Hub
	log       *logger.Logger
	timeout   time.Duration
	heartbeat byte
	limits    motion.Limits

	mu           sync.Mutex
	ln           net.Listener
	confirmed    protocol.State
	safetyToggle bool

	busy atomic.Bool
	wg   sync.WaitGroup
}

type ServerOption func(*StreamServer)

func WithWatchdogTimeout(d time.Duration) ServerOption {
	return func(s *StreamServer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithHeartbeat(b byte) ServerOption {
	return func(s *StreamServer) {
		if b != 0 {
			s.heartbeat = b
		}
	}
}

func WithLimits(l motion.Limits) ServerOption {
	return func(s *StreamServer) {
		s.limits = l
	}
}

func WithHub(h *engine.Hub) ServerOption {
	return func(s *StreamServer) {
		s.hub = h
	}
}

func WithLogger(l *logger.Logger) ServerOption {
	return func(s *StreamServer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOwner makes the server hold o while it listens.
func WithOwner(o *link.Owner) ServerOption {
	return func(s *StreamServer) {
		s.owner = o
	}
}

func NewStreamServer(addr string, w LinkWriter, opts ...ServerOption) *StreamServer {
	s := &StreamServer{
		addr:      addr,
		link:      w,
		log:       logger.Nop(),
		timeout:   2 * time.Second,
		heartbeat: protocol.DefaultHeartbeat,
		limits:    motion.Unit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen takes ownership of the link and binds the listen address.
func (s *StreamServer) Listen() error {
	if s.owner != nil {
		if err := s.owner.Acquire("receiver"); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if s.owner != nil {
			s.owner.Release("receiver")
		}
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Infof("TCP server listening on %s, watchdog timeout %v", ln.Addr(), s.timeout)
	return nil
}

func (s *StreamServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx ends. Listen must have succeeded.
func (s *StreamServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("stream server not listening")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() {
		s.wg.Wait()
		if s.owner != nil {
			s.owner.Release("receiver")
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorf("accept failed: %v", err)
			return err
		}
		if !s.busy.CompareAndSwap(false, true) {
			s.log.Warnf("refusing %s: a session is already in progress", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.busy.Store(false)
			s.handle(ctx, conn)
		}()
	}
}

// ReportState records a status line from the controller. Any report
// settles an outstanding safety toggle.
func (s *StreamServer) ReportState(state protocol.State) {
	s.mu.Lock()
	prev := s.confirmed
	s.confirmed = state
	s.safetyToggle = false
	s.mu.Unlock()
	if prev != state {
		s.log.Infof("controller state: %s", state)
	}
	s.publish(engine.Event{Kind: engine.EventStateReport, State: state, Detail: "S:" + state.String()})
}

// State is the last state the controller confirmed.
func (s *StreamServer) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *StreamServer) handle(ctx context.Context, conn net.Conn) {
	id := conn.RemoteAddr().String()
	s.log.Infof("remote client connected: %s", id)
	s.publish(engine.Event{Kind: engine.EventSessionStart, Session: id})

	wd := watchdog.New(func() { s.expire(id) })
	wd.Arm(s.timeout)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	err := s.readUnits(conn, wd, id)
	close(done)
	wd.Disarm()

	if stopErr := s.link.Stop(); stopErr != nil {
		s.log.Errorf("stop after disconnect of %s failed: %v", id, stopErr)
	}
	s.publish(engine.Event{Kind: engine.EventCommand, Session: id, Command: motion.Zero, Detail: "disconnect"})
	_ = conn.Close()

	reason := "closed"
	if err != nil && !errors.Is(err, io.EOF) {
		reason = fmt.Errorf("%w: %w", ErrSessionLost, err).Error()
		s.log.Warnf("connection to %s lost: %v", id, err)
	}
	s.log.Infof("remote client disconnected: %s, emergency stop sent", id)
	s.publish(engine.Event{Kind: engine.EventSessionEnd, Session: id, Detail: reason})
}

// readUnits consumes the stream one command unit at a time: a single byte,
// or a whole direct line when the byte opens one.
func (s *StreamServer) readUnits(conn net.Conn, wd *watchdog.Watchdog, id string) error {
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch {
		case b == s.heartbeat:
			wd.Reset()
			s.log.Debugf("heartbeat from %s", id)
		case b == protocol.VelocityIntroducer:
			line, err := readLine(r)
			if err != nil {
				if errors.Is(err, motion.ErrMalformed) {
					s.malformed(id, err)
					continue
				}
				return err
			}
			cmd, err := protocol.ParseVelocityLine(line)
			if err != nil {
				s.malformed(id, err)
				continue
			}
			wd.Reset()
			cmd = cmd.Clamp(s.limits)
			s.reportWrite(id, s.link.WriteVelocity(cmd))
			s.publish(engine.Event{Kind: engine.EventCommand, Session: id, Command: cmd})
		case protocol.IsLegacyCommand(b):
			wd.Reset()
			s.reportWrite(id, s.link.WriteKey(b))
			if b == protocol.KeyToggle {
				s.log.Infof("toggle requested by %s", id)
				s.publish(engine.Event{Kind: engine.EventToggle, Session: id, State: s.State().Toggled()})
				continue
			}
			s.log.Debugf("command from %s: %q", id, b)
			s.publish(engine.Event{Kind: engine.EventCommand, Session: id, Detail: fmt.Sprintf("%q", b)})
		default:
			s.malformed(id, fmt.Errorf("%w: unknown byte %q", motion.ErrMalformed, b))
		}
	}
}

// readLine reads the rest of a direct line after its introducer. An
// overlong line is consumed up to its terminator and reported malformed.
func readLine(r *bufio.Reader) (string, error) {
	buf := []byte{protocol.VelocityIntroducer}
	overlong := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == protocol.LineTerminator {
			break
		}
		if overlong {
			continue
		}
		if len(buf) >= protocol.MaxLineLength {
			overlong = true
			continue
		}
		buf = append(buf, b)
	}
	if overlong {
		return "", fmt.Errorf("%w: line longer than %d bytes", motion.ErrMalformed, protocol.MaxLineLength)
	}
	return string(buf), nil
}

// expire runs on the watchdog goroutine.
func (s *StreamServer) expire(id string) {
	s.log.Warnf("watchdog expired: no traffic from %s for %v, sending stop", id, s.timeout)
	if err := s.link.Stop(); err != nil {
		s.log.Errorf("emergency stop failed: %v", err)
	}
	s.publish(engine.Event{Kind: engine.EventWatchdogExpired, Session: id, Command: motion.Zero})

	s.mu.Lock()
	send := s.confirmed == protocol.StateActive && !s.safetyToggle
	if send {
		s.safetyToggle = true
	}
	s.mu.Unlock()
	if !send {
		return
	}
	s.log.Warnf("controller is ACTIVE, requesting READY")
	if err := s.link.Toggle(); err != nil {
		s.log.Errorf("safety toggle failed: %v", err)
	}
	s.publish(engine.Event{Kind: engine.EventToggle, Session: id, State: protocol.StateReady, Detail: "watchdog"})
}

func (s *StreamServer) malformed(id string, err error) {
	s.log.Warnf("discarding unit from %s: %v", id, err)
	s.publish(engine.Event{Kind: engine.EventMalformed, Session: id, Detail: err.Error()})
}

func (s *StreamServer) reportWrite(id string, err error) {
	if err != nil {
		s.log.Errorf("forwarding command from %s failed: %v", id, err)
	}
}

func (s *StreamServer) publish(ev engine.Event) {
	ev.Source = streamSource
	s.hub.Publish(ev)
}
