package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rcdrive/pkg/auth"
	"rcdrive/pkg/engine"
	"rcdrive/pkg/link"
	"rcdrive/pkg/logger"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
	"rcdrive/pkg/watchdog"
)

const (
	source       = "ws"
	ownerName    = "web"
	maxMessage   = 4096
	writeTimeout = time.Second
)

// Link is what the broadcast channel writes to.
type Link interface {
	WriteVelocity(cmd motion.Command) error
	Toggle() error
	Healthy() bool
}

// Server is the broadcast session channel. Any number of browser sessions
// share one watchdog; the last one to speak keeps it alive.
//
// Sessions, confirmed state and the outstanding safety toggle belong to
// the server loop. Handlers, the watchdog and status reports hand work to
// the loop instead of locking.
type Server struct {
	cfg      Config
	link     Link
	hub      *engine.Hub
	log      *logger.Logger
	owner    *link.Owner
	verifier *auth.Verifier
	loop     *engine.Loop
	wd       *watchdog.Watchdog

	startOnce sync.Once

	// loop-owned
	sessions     map[*session]struct{}
	confirmed    protocol.State
	safetyToggle bool
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	ping time.Duration
	once sync.Once
}

type Option func(*Server)

func WithHub(h *engine.Hub) Option {
	return func(s *Server) {
		s.hub = h
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithOwner(o *link.Owner) Option {
	return func(s *Server) {
		s.owner = o
	}
}

// WithVerifier requires a valid operator token on every upgrade.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) {
		s.verifier = v
	}
}

func NewServer(cfg Config, l Link, opts ...Option) *Server {
	defaults := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = defaults.Addr
	}
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}
	if cfg.Limits.Linear <= 0 {
		cfg.Limits.Linear = defaults.Limits.Linear
	}
	if cfg.Limits.Angular <= 0 {
		cfg.Limits.Angular = defaults.Limits.Angular
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaults.WatchdogTimeout
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaults.StatusInterval
	}
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = defaults.SendBuf
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}

	s := &Server{
		cfg:      cfg,
		link:     l,
		log:      logger.Nop(),
		loop:     engine.NewLoop(256),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wd = watchdog.New(s.onWatchdog)
	return s
}

func (s *Server) Run(ctx context.Context) error {
	if s.owner != nil {
		if err := s.owner.Acquire(ownerName); err != nil {
			return err
		}
		defer s.owner.Release(ownerName)
	}

	httpServer := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}
	s.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Infof("WebSocket server started: ws://%s%s, watchdog %v", s.cfg.Addr, s.cfg.Path, s.cfg.WatchdogTimeout)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeSessions()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("web server: %w", err)
	}
}

// Start runs the server loop and the status pusher until ctx ends. Run
// calls it; callers mounting Handler elsewhere must call it themselves.
func (s *Server) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop.Run(ctx)
		go s.statusLoop(ctx)
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	return mux
}

// ReportState records a controller status line.
func (s *Server) ReportState(state protocol.State) {
	s.loop.Post(func() {
		prev := s.confirmed
		s.confirmed = state
		s.safetyToggle = false
		s.publish(engine.Event{Kind: engine.EventStateReport, State: state, Detail: "S:" + state.String()})
		if prev == state {
			return
		}
		s.log.Infof("controller state: %s", state)
		s.broadcast(StateMsg{Type: TypeState, State: state.String()})
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		operator, err := s.verifier.VerifyRequest(r)
		if err != nil {
			s.log.Warnf("rejecting WebSocket client %s: %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.log.Debugf("operator %s authenticated from %s", operator, r.RemoteAddr)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxMessage)

	c := &session{
		id:   r.RemoteAddr,
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuf),
		ping: s.cfg.PingInterval,
	}
	if err := s.loop.Call(context.Background(), func() { s.addSession(c) }); err != nil {
		c.close()
		return
	}

	go c.writeLoop()
	s.readLoop(c)
	c.close()
	s.endSession(c)
}

func (s *Server) readLoop(c *session) {
	alive := s.cfg.PingInterval + s.cfg.PongTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(alive))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(alive))
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warnf("WebSocket client %s stopped answering pings", c.id)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(alive))
		if msgType != websocket.TextMessage {
			continue
		}
		var msg InboundMsg
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil || dec.More() {
			s.log.Warnf("WebSocket: invalid JSON from %s: %q", c.id, data)
			s.publish(engine.Event{Kind: engine.EventMalformed, Session: c.id, Detail: "invalid JSON"})
			continue
		}
		if err := s.loop.Call(context.Background(), func() { s.handleMessage(c, msg) }); err != nil {
			return
		}
	}
}

func (s *Server) handleMessage(c *session, msg InboundMsg) {
	switch msg.Type {
	case TypeHeartbeat:
		s.wd.Reset()
	case TypeMotion, TypeJoystick:
		cmd, err := motion.Validate(msg.Linear, msg.Angular)
		if err != nil {
			s.log.Warnf("WebSocket: malformed motion message from %s: %v", c.id, err)
			s.publish(engine.Event{Kind: engine.EventMalformed, Session: c.id, Detail: err.Error()})
			return
		}
		s.wd.Reset()
		cmd = cmd.Clamp(s.cfg.Limits)
		s.writeVelocity(cmd)
		s.publish(engine.Event{Kind: engine.EventCommand, Session: c.id, Command: cmd})
	case TypeToggle, TypeToggleState:
		s.wd.Reset()
		if err := s.link.Toggle(); err != nil {
			s.log.Errorf("state toggle failed: %v", err)
		}
		s.log.Infof("WebSocket: state toggle sent for %s", c.id)
		s.publish(engine.Event{Kind: engine.EventToggle, Session: c.id, State: s.confirmed.Toggled()})
	default:
		s.log.Warnf("WebSocket: unknown message type %q from %s", msg.Type, c.id)
		s.publish(engine.Event{Kind: engine.EventMalformed, Session: c.id, Detail: "unknown type " + msg.Type})
	}
}

// addSession runs on the loop.
func (s *Server) addSession(c *session) {
	if len(s.sessions) == 0 {
		s.wd.Arm(s.cfg.WatchdogTimeout)
	}
	s.sessions[c] = struct{}{}
	s.log.Infof("WebSocket client connected: %s (%d active)", c.id, len(s.sessions))
	s.publish(engine.Event{Kind: engine.EventSessionStart, Session: c.id})
	c.trySend(encode(StateMsg{Type: TypeState, State: s.confirmed.String()}))
}

// endSession stops the vehicle before the session is reported gone,
// whatever the other sessions are doing.
func (s *Server) endSession(c *session) {
	err := s.loop.Call(context.Background(), func() {
		delete(s.sessions, c)
		s.writeVelocity(motion.Zero)
		s.publish(engine.Event{Kind: engine.EventCommand, Session: c.id, Command: motion.Zero, Detail: "disconnect"})
		s.publish(engine.Event{Kind: engine.EventSessionEnd, Session: c.id})
		if len(s.sessions) == 0 {
			s.wd.Disarm()
		}
		s.log.Infof("WebSocket client disconnected: %s, stop sent", c.id)
	})
	if err != nil {
		// loop already gone: still stop
		s.writeVelocity(motion.Zero)
	}
}

func (s *Server) onWatchdog() {
	if !s.loop.Post(s.expire) {
		s.writeVelocity(motion.Zero)
	}
}

// expire runs on the loop.
func (s *Server) expire() {
	if len(s.sessions) == 0 {
		return
	}
	s.log.Warnf("watchdog triggered: no operator traffic for %v, sending stop", s.cfg.WatchdogTimeout)
	s.writeVelocity(motion.Zero)
	s.publish(engine.Event{Kind: engine.EventWatchdogExpired, Command: motion.Zero})
	if s.confirmed != protocol.StateActive || s.safetyToggle {
		return
	}
	s.safetyToggle = true
	s.log.Warnf("controller is ACTIVE, requesting READY")
	if err := s.link.Toggle(); err != nil {
		s.log.Errorf("safety toggle failed: %v", err)
	}
	s.publish(engine.Event{Kind: engine.EventToggle, State: protocol.StateReady, Detail: "watchdog"})
}

func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.loop.Post(func() {
				s.broadcast(s.status())
			})
		}
	}
}

func (s *Server) status() StatusMsg {
	ok := s.link.Healthy()
	msg := StatusMsg{Type: TypeStatus, SerialOK: ok, State: s.confirmed.String(), Message: "OK"}
	if !ok {
		msg.Message = "DEGRADED"
	}
	return msg
}

// broadcast runs on the loop.
func (s *Server) broadcast(message any) {
	payload := encode(message)
	if payload == nil {
		return
	}
	for c := range s.sessions {
		c.trySend(payload)
	}
}

// closeSessions runs once the loop has stopped, so nothing else touches the
// session set.
func (s *Server) closeSessions() {
	<-s.loop.Done()
	for c := range s.sessions {
		c.close()
	}
}

func (s *Server) writeVelocity(cmd motion.Command) {
	if err := s.link.WriteVelocity(cmd); err != nil {
		s.log.Errorf("velocity write failed: %v", err)
	}
}

func (s *Server) publish(ev engine.Event) {
	ev.Source = source
	s.hub.Publish(ev)
}

func (c *session) writeLoop() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *session) trySend(msg []byte) {
	if msg == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *session) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func encode(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
