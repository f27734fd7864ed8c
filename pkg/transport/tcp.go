package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Dialer keeps one outbound operator connection to the receiver and
// redials with backoff whenever it drops.
type Dialer struct {
	addr         string
	reconnect    time.Duration
	reconnectMax time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration
	errorHandler func(error)
	stateHandler func(connected bool)

	mu   sync.Mutex
	conn net.Conn
}

type Option func(*Dialer)

func WithReconnectInterval(d time.Duration) Option {
	return func(c *Dialer) {
		if d > 0 {
			c.reconnect = d
		}
	}
}

func WithReconnectMax(d time.Duration) Option {
	return func(c *Dialer) {
		if d > 0 {
			c.reconnectMax = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Dialer) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Dialer) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(c *Dialer) {
		if fn != nil {
			c.errorHandler = fn
		}
	}
}

// WithStateHandler is told about every connect and disconnect.
func WithStateHandler(fn func(connected bool)) Option {
	return func(c *Dialer) {
		if fn != nil {
			c.stateHandler = fn
		}
	}
}

func NewDialer(addr string, opts ...Option) *Dialer {
	d := &Dialer{
		addr:         addr,
		reconnect:    2 * time.Second,
		reconnectMax: 30 * time.Second,
		dialTimeout:  5 * time.Second,
		writeTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := net.DialTimeout("tcp", d.addr, d.dialTimeout)
		if err != nil {
			d.handleError(err)
			attempt++
			d.sleepBackoff(ctx, attempt)
			continue
		}

		attempt = 0
		d.setConn(conn)
		err = d.hold(ctx, conn)
		d.clearConn(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		d.handleError(fmt.Errorf("%w: %w", ErrSessionLost, err))
		d.sleepBackoff(ctx, 1)
	}
}

// WriteKey sends one byte on the current connection. A failed write drops
// the connection so the reconnect loop takes over.
func (d *Dialer) WriteKey(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ErrNotConnected
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.writeTimeout))
	if _, err := d.conn.Write([]byte{b}); err != nil {
		_ = d.conn.Close()
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	return nil
}

func (d *Dialer) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// hold blocks until the peer closes the connection or ctx ends. The
// receiver never talks back, so anything read is discarded.
func (d *Dialer) hold(ctx context.Context, conn net.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	_, err := io.Copy(io.Discard, conn)
	if err == nil {
		err = io.EOF
	}
	return err
}

func (d *Dialer) setConn(conn net.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	if d.stateHandler != nil {
		d.stateHandler(true)
	}
}

func (d *Dialer) clearConn(conn net.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	if d.stateHandler != nil {
		d.stateHandler(false)
	}
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) {
	wait := min(d.reconnect*time.Duration(attempt), d.reconnectMax)
	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
}

func (d *Dialer) handleError(err error) {
	if d.errorHandler != nil {
		d.errorHandler(err)
	}
}
