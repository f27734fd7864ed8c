package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rcdrive/pkg/auth"
	"rcdrive/pkg/engine"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
)

type fakeLink struct {
	mu      sync.Mutex
	sent    []string
	ch      chan string
	healthy atomic.Bool
}

func newFakeLink() *fakeLink {
	f := &fakeLink{ch: make(chan string, 256)}
	f.healthy.Store(true)
	return f
}

func (f *fakeLink) record(s string) error {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	f.ch <- s
	return nil
}

func (f *fakeLink) WriteVelocity(cmd motion.Command) error {
	return f.record(string(protocol.EncodeVelocity(cmd)))
}

func (f *fakeLink) Toggle() error { return f.record("\r") }
func (f *fakeLink) Healthy() bool { return f.healthy.Load() }

func (f *fakeLink) count(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.sent {
		if v == s {
			n++
		}
	}
	return n
}

func expectWrite(t *testing.T, f *fakeLink, want string) {
	t.Helper()
	select {
	case got := <-f.ch:
		if got != want {
			t.Fatalf("link write: got %q want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for link write %q", want)
	}
}

func expectNoWrite(t *testing.T, f *fakeLink, wait time.Duration) {
	t.Helper()
	select {
	case got := <-f.ch:
		t.Fatalf("unexpected link write %q", got)
	case <-time.After(wait):
	}
}

func startTestServer(t *testing.T, ctx context.Context, cfg Config, fl *fakeLink, opts ...Option) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, fl, opts...)
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readType returns the next message of the given type, skipping others.
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed waiting for %s: %v", typ, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid JSON from server: %v", err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Limits = motion.Limits{Linear: 0.5, Angular: 1.0}
	cfg.WatchdogTimeout = time.Second
	cfg.StatusInterval = time.Hour
	return cfg
}

func TestMotionForwardedAndClamped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fl := newFakeLink()
	_, url := startTestServer(t, ctx, testConfig(), fl)
	conn := dial(t, url)

	send(t, conn, `{"type":"motion","linear":1.0,"angular":-0.25}`)
	expectWrite(t, fl, "V0.50,-0.25\n")
	send(t, conn, `{"type":"joystick","linear":-0.2,"angular":3}`)
	expectWrite(t, fl, "V-0.20,1.00\n")
	send(t, conn, `{"type":"toggle"}`)
	expectWrite(t, fl, "\r")
	send(t, conn, `{"type":"toggle_state"}`)
	expectWrite(t, fl, "\r")
}

func TestMalformedMessagesDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fl := newFakeLink()
	_, url := startTestServer(t, ctx, testConfig(), fl)
	conn := dial(t, url)

	for _, msg := range []string{
		`not json`,
		`{"type":"motion","linear":"fast","angular":0}`,
		`{"type":"motion","linear":0.3}`,
		`{"type":"motion","linear":null,"angular":0}`,
		`{"type":"spin"}`,
		`{"type":"heartbeat"}`,
		`{"type":"motion","linear":0.4,"angular":0} trailing`,
		`{"type":"motion","linear":0.4,"angular":0}{"type":"toggle"}`,
	} {
		send(t, conn, msg)
	}
	send(t, conn, `{"type":"motion","linear":0.1,"angular":0.2}`)
	expectWrite(t, fl, "V0.10,0.20\n")
}

func TestDisconnectStopsRegardlessOfOtherSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := engine.NewHub()
	go hub.Run(ctx)
	events := hub.SubscribeWithBuffer(64)

	fl := newFakeLink()
	_, url := startTestServer(t, ctx, testConfig(), fl, WithHub(hub))
	first := dial(t, url)
	second := dial(t, url)
	readType(t, second, TypeState)

	send(t, first, `{"type":"motion","linear":0.4,"angular":0}`)
	expectWrite(t, fl, "V0.40,0.00\n")
	_ = first.Close()
	expectWrite(t, fl, "V0.00,0.00\n")

	sawZero := false
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == engine.EventCommand && ev.Detail == "disconnect" {
				sawZero = ev.Command.IsZero()
			}
			if ev.Kind == engine.EventSessionEnd {
				if !sawZero {
					t.Fatalf("session ended before the zero command was published")
				}
				// the other session is still served
				send(t, second, `{"type":"motion","linear":0.1,"angular":0}`)
				expectWrite(t, fl, "V0.10,0.00\n")
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for session end")
		}
	}
}

func TestSharedWatchdogLastWriterWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.WatchdogTimeout = 100 * time.Millisecond
	fl := newFakeLink()
	_, url := startTestServer(t, ctx, cfg, fl)
	_ = dial(t, url)
	talker := dial(t, url)

	// only one session speaks; that keeps everyone alive
	ticker := time.NewTicker(20 * time.Millisecond)
	deadline := time.After(400 * time.Millisecond)
loop:
	for {
		select {
		case <-ticker.C:
			send(t, talker, `{"type":"heartbeat"}`)
		case <-deadline:
			break loop
		}
	}
	ticker.Stop()
	expectNoWrite(t, fl, 10*time.Millisecond)

	expectWrite(t, fl, "V0.00,0.00\n")
	if n := fl.count("\r"); n != 0 {
		t.Fatalf("toggle sent while READY")
	}
}

func TestWatchdogRequestsReadyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.WatchdogTimeout = 80 * time.Millisecond
	fl := newFakeLink()
	srv, url := startTestServer(t, ctx, cfg, fl)
	conn := dial(t, url)
	srv.ReportState(protocol.StateActive)
	readType(t, conn, TypeState)

	expectWrite(t, fl, "V0.00,0.00\n")
	expectWrite(t, fl, "\r")
	expectWrite(t, fl, "V0.00,0.00\n")
	if n := fl.count("\r"); n != 1 {
		t.Fatalf("expected one safety toggle, got %d", n)
	}

	// READY report settles the handshake
	srv.ReportState(protocol.StateReady)
	msg := readType(t, conn, TypeState)
	for msg["state"] != "READY" {
		msg = readType(t, conn, TypeState)
	}
}

func TestStatusPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.StatusInterval = 30 * time.Millisecond
	fl := newFakeLink()
	_, url := startTestServer(t, ctx, cfg, fl)
	conn := dial(t, url)

	msg := readType(t, conn, TypeStatus)
	if msg["serial_ok"] != true || msg["state"] != "READY" || msg["message"] != "OK" {
		t.Fatalf("unexpected status: %v", msg)
	}

	fl.healthy.Store(false)
	deadline := time.Now().Add(time.Second)
	for {
		msg = readType(t, conn, TypeStatus)
		if msg["serial_ok"] == false {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("degraded link never reported")
		}
	}
	if msg["message"] != "DEGRADED" {
		t.Fatalf("unexpected message: %v", msg["message"])
	}
}

func TestTokenRequiredWhenConfigured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := auth.NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	fl := newFakeLink()
	_, url := startTestServer(t, ctx, testConfig(), fl, WithVerifier(v))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	tok, err := auth.Mint("s3cret", "operator", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()
	send(t, conn, `{"type":"motion","linear":0.2,"angular":0}`)
	expectWrite(t, fl, "V0.20,0.00\n")
}

func TestSilentClientIsDroppedAndStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fl := newFakeLink()
	cfg := testConfig()
	cfg.WatchdogTimeout = 10 * time.Second
	cfg.PingInterval = 40 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	srv, url := startTestServer(t, ctx, cfg, fl)

	// this client never reads, so it never answers a ping
	conn := dial(t, url)
	send(t, conn, `{"type":"motion","linear":0.3,"angular":0}`)
	expectWrite(t, fl, "V0.30,0.00\n")
	expectWrite(t, fl, "V0.00,0.00\n")

	deadline := time.Now().Add(time.Second)
	for srv.wd.Armed() {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog still armed after the only session was dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPingedClientStaysConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fl := newFakeLink()
	cfg := testConfig()
	cfg.WatchdogTimeout = 10 * time.Second
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	_, url := startTestServer(t, ctx, cfg, fl)

	conn := dial(t, url)
	// reading lets the client's default ping handler send pongs
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	expectNoWrite(t, fl, 300*time.Millisecond)
	send(t, conn, `{"type":"motion","linear":0.2,"angular":0}`)
	expectWrite(t, fl, "V0.20,0.00\n")
}
