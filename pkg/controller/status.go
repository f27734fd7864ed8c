package controller

import (
	"context"
	"io"

	"rcdrive/pkg/logger"
	"rcdrive/pkg/protocol"
)

// statusWriter sends status lines upstream without ever blocking the
// control cycle. Reports that find the queue full are dropped.
type statusWriter struct {
	w     io.Writer
	queue chan []byte
	log   *logger.Logger
}

func newStatusWriter(w io.Writer, log *logger.Logger) *statusWriter {
	return &statusWriter{w: w, queue: make(chan []byte, 8), log: log}
}

func (s *statusWriter) Report(state protocol.State) {
	select {
	case s.queue <- protocol.StatusLine(state):
	default:
		s.log.Warnf("status queue full, dropping %s report", state)
	}
}

func (s *statusWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-s.queue:
			if _, err := s.w.Write(line); err != nil {
				s.log.Errorf("status write failed: %v", err)
			}
		}
	}
}
