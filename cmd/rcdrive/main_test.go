package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rcdrive/pkg/auth"
	"rcdrive/pkg/config"
	"rcdrive/pkg/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rcdrive.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "[web]\nauth_secret = \"s3cret\"\n")
	var stdout, stderr bytes.Buffer
	code := run([]string{"rcdrive", "--config", path, "token", "--subject", "alice", "--ttl", "1m"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("unexpected exit code %d: %s", code, stderr.String())
	}

	v, err := auth.NewVerifier("s3cret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	subject, err := v.Verify(strings.TrimSpace(stdout.String()))
	if err != nil || subject != "alice" {
		t.Fatalf("minted token rejected: %q %v", subject, err)
	}
}

func TestTokenWithoutSecretFails(t *testing.T) {
	path := writeConfig(t, "")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"rcdrive", "-c", path, "token"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "auth_secret") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestInvalidConfigFails(t *testing.T) {
	path := writeConfig(t, "[watchdog]\ntimeout = \"never\"\n")
	var stdout, stderr bytes.Buffer
	if code := run([]string{"rcdrive", "--config", path, "receiver", "--sim"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "watchdog.timeout") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"rcdrive", "--help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("unexpected exit code %d", code)
	}
	for _, name := range []string{"receiver", "web", "controller", "sender", "local", "token"} {
		if !strings.Contains(stdout.String(), name) {
			t.Fatalf("help does not list %s:\n%s", name, stdout.String())
		}
	}
}

func TestSimulatedControllerEnforcesToggle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Controller.Period = "10ms"
	var logs bytes.Buffer
	rt, err := newRuntime(ctx, "sim", cfg, &logs)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	defer rt.close()

	port, err := rt.openLink(true)
	if err != nil {
		t.Fatalf("open sim link: %v", err)
	}
	defer port.Close()

	states := make(chan protocol.State, 8)
	rt.watchStatus(port, func(s protocol.State) { states <- s })
	waitState(t, states, protocol.StateReady)

	w := rt.newWriter(port)
	if err := w.Toggle(); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	waitState(t, states, protocol.StateActive)

	if err := w.Toggle(); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	waitState(t, states, protocol.StateReady)
}

func waitState(t *testing.T, ch <-chan protocol.State, want protocol.State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}
