package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"rcdrive/pkg/logger"
	"rcdrive/pkg/protocol"
)

const maxStatusLine = 256

// StatusReader follows the controller's upstream lines and reports every
// status line it recognises. Other lines are logged at debug level.
type StatusReader struct {
	r       io.Reader
	onState func(protocol.State)
	log     *logger.Logger
	idle    time.Duration
}

type ReaderOption func(*StatusReader)

func WithReaderLogger(l *logger.Logger) ReaderOption {
	return func(s *StatusReader) {
		if l != nil {
			s.log = l
		}
	}
}

// WithIdleWait sets the pause after a port read timed out.
func WithIdleWait(d time.Duration) ReaderOption {
	return func(s *StatusReader) {
		if d > 0 {
			s.idle = d
		}
	}
}

func NewStatusReader(r io.Reader, onState func(protocol.State), opts ...ReaderOption) *StatusReader {
	s := &StatusReader{
		r:       r,
		onState: onState,
		log:     logger.Nop(),
		idle:    20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads until ctx is done or the port fails. A serial port opened with
// a read timeout reports an idle period as io.EOF; that is not a failure.
// Closing the port is the way to unblock a pending read.
func (s *StatusReader) Run(ctx context.Context) error {
	reader := bufio.NewReader(s.r)
	var partial strings.Builder
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk, err := reader.ReadString(protocol.LineTerminator)
		partial.WriteString(chunk)
		if partial.Len() > maxStatusLine {
			s.log.Debugf("dropping overlong upstream line (%d bytes)", partial.Len())
			partial.Reset()
		}
		if err == nil {
			s.handle(partial.String())
			partial.Reset()
			continue
		}
		if errors.Is(err, io.EOF) {
			timer := time.NewTimer(s.idle)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		return err
	}
}

func (s *StatusReader) handle(line string) {
	state, ok := protocol.ParseStatusLine(line)
	if !ok {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.log.Debugf("controller: %s", trimmed)
		}
		return
	}
	if s.onState != nil {
		s.onState(state)
	}
}
