// Package operator turns keyboard input into the legacy byte stream: keys
// repeat while held, released keys stop the vehicle, Enter toggles once
// per press and a heartbeat keeps the receiver's watchdog quiet.
package operator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"rcdrive/pkg/logger"
	"rcdrive/pkg/protocol"
	"rcdrive/pkg/transport"
)

// Output takes one command byte at a time.
type Output interface {
	WriteKey(b byte) error
}

type Sender struct {
	out          Output
	heartbeat    time.Duration
	heartbeatKey byte
	repeat       time.Duration
	releaseAfter time.Duration
	log          *logger.Logger
	now          func() time.Time

	mu      sync.Mutex
	held    map[byte]time.Time
	last    byte
	enterAt time.Time
	lastErr string
}

type Option func(*Sender)

// WithHeartbeat sends the heartbeat byte every d. Zero disables it, which
// is what a direct local link wants.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Sender) {
		if d >= 0 {
			s.heartbeat = d
		}
	}
}

func WithHeartbeatKey(b byte) Option {
	return func(s *Sender) {
		if b != 0 {
			s.heartbeatKey = b
		}
	}
}

func WithRepeatInterval(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.repeat = d
		}
	}
}

// WithReleaseAfter sets how long a key counts as held without a repeat.
// Terminals report presses and auto-repeats but never releases.
func WithReleaseAfter(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.releaseAfter = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Sender) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSender(out Output, opts ...Option) *Sender {
	s := &Sender{
		out:          out,
		heartbeat:    500 * time.Millisecond,
		heartbeatKey: protocol.DefaultHeartbeat,
		repeat:       100 * time.Millisecond,
		releaseAfter: 600 * time.Millisecond,
		log:          logger.Nop(),
		now:          time.Now,
		held:         make(map[byte]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Press handles one key event from the terminal, auto-repeats included.
func (s *Sender) Press(b byte) {
	now := s.now()
	s.mu.Lock()
	switch b {
	case protocol.KeyToggle:
		repeat := !s.enterAt.IsZero() && now.Sub(s.enterAt) < s.releaseAfter
		s.enterAt = now
		s.mu.Unlock()
		if !repeat {
			s.log.Infof("Enter pressed, sending state toggle")
			s.send(protocol.KeyToggle)
		}
		return
	case protocol.KeyStop:
		clear(s.held)
		s.mu.Unlock()
		s.send(protocol.KeyStop)
		return
	case protocol.KeyForward, protocol.KeyBackward, protocol.KeyLeft, protocol.KeyRight:
		if _, ok := s.held[b]; !ok {
			s.log.Infof("key pressed: %q", b)
		}
		s.held[b] = now
		s.last = b
		s.mu.Unlock()
		s.send(b)
		return
	}
	s.mu.Unlock()
}

// Held lists the keys currently considered held down.
func (s *Sender) Held() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]byte, 0, len(s.held))
	for k := range s.held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Run drives the heartbeat and key-repeat loops until ctx ends, then sends
// a final stop.
func (s *Sender) Run(ctx context.Context) {
	repeat := time.NewTicker(s.repeat)
	defer repeat.Stop()
	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		hb := time.NewTicker(s.heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
		s.send(s.heartbeatKey)
	}

	for {
		select {
		case <-ctx.Done():
			s.send(protocol.KeyStop)
			return
		case <-heartbeat:
			s.send(s.heartbeatKey)
		case <-repeat.C:
			s.tick()
		}
	}
}

// tick sends the held key, or stop when nothing is held.
func (s *Sender) tick() {
	now := s.now()
	s.mu.Lock()
	released := false
	for k, at := range s.held {
		if now.Sub(at) >= s.releaseAfter {
			delete(s.held, k)
			released = true
		}
	}
	key := protocol.KeyStop
	if _, ok := s.held[s.last]; ok {
		key = s.last
	} else {
		for k := range s.held {
			key = k
			break
		}
	}
	none := len(s.held) == 0
	s.mu.Unlock()

	if released && none {
		s.log.Infof("all keys released, stop sent")
	}
	s.send(key)
}

func (s *Sender) send(b byte) {
	err := s.out.WriteKey(b)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.mu.Lock()
	changed := msg != s.lastErr
	s.lastErr = msg
	s.mu.Unlock()
	if err == nil || !changed {
		return
	}
	if errors.Is(err, transport.ErrNotConnected) {
		s.log.Debugf("send %q: %v", b, err)
		return
	}
	s.log.Warnf("send %q failed: %v", b, err)
}
