package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rcdrive/pkg/engine"
	"rcdrive/pkg/logger"
	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
)

func TestJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	writer := logger.NewJSONLWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan engine.Event, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		writer.Consume(ctx, ch)
	}()

	ts := time.Date(2026, 2, 5, 16, 0, 0, 0, time.UTC)
	ch <- engine.Event{
		Kind:    engine.EventCommand,
		Time:    ts,
		Source:  "tcp",
		Session: "10.0.0.2:5000",
		Command: motion.Command{Linear: 0, Angular: -0.5},
	}
	ch <- engine.Event{Kind: engine.EventStateReport, Time: ts, State: protocol.StateActive}
	close(ch)
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json unmarshal failed: %v", err)
	}
	if rec["kind"] != "command" {
		t.Fatalf("unexpected kind: %v", rec["kind"])
	}
	if rec["source"] != "tcp" || rec["session"] != "10.0.0.2:5000" {
		t.Fatalf("unexpected origin: %v %v", rec["source"], rec["session"])
	}
	// a zero component is still recorded
	if rec["linear"] != 0.0 || rec["angular"] != -0.5 {
		t.Fatalf("unexpected command: %v %v", rec["linear"], rec["angular"])
	}
	if _, ok := rec["state"]; ok {
		t.Fatalf("command record carries a state")
	}
	tsValue, ok := rec["ts"].(string)
	if !ok || tsValue == "" {
		t.Fatalf("missing ts field")
	}
	if _, err := time.Parse(time.RFC3339Nano, tsValue); err != nil {
		t.Fatalf("invalid ts format: %v", err)
	}

	rec = nil
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("json unmarshal failed: %v", err)
	}
	if rec["kind"] != "state" || rec["state"] != "ACTIVE" {
		t.Fatalf("unexpected state record: %v", rec)
	}
	if _, ok := rec["linear"]; ok {
		t.Fatalf("state record carries a command")
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	log := logger.Writer(&buf, false)
	log.Debugf("hidden %d", 1)
	log.Infof("hello %s", "there")
	log.Warnf("careful")
	log.Errorf("broken: %v", os.ErrClosed)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written while debug is off: %q", out)
	}
	for _, want := range []string{"[INFO] hello there", "[WARN] careful", "[ERROR] broken: file already closed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}

	log.SetDebug(true)
	log.Debugf("visible")
	if !strings.Contains(buf.String(), "[DEBUG] visible") {
		t.Fatalf("debug line missing after SetDebug")
	}
}

func TestNilAndNopLoggersAreSilent(t *testing.T) {
	var nilLog *logger.Logger
	nilLog.Infof("ignored")
	nilLog.Debugf("ignored")
	if err := nilLog.Close(); err != nil {
		t.Fatalf("close nil logger: %v", err)
	}
	logger.Nop().Errorf("ignored")
}

func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	log, err := logger.New("receiver", logger.Options{Dir: dir, MaxSizeMB: 1}, &console)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Infof("serial port opened")
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "receiver.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] serial port opened") {
		t.Fatalf("log file missing line: %q", data)
	}
	if !strings.Contains(console.String(), "[INFO] serial port opened") {
		t.Fatalf("console missing line: %q", console.String())
	}
}
