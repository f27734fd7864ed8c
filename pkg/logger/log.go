package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/natefinch/lumberjack"
)

// Options controls where process logs go. An empty Dir keeps logs on the
// console only.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

// Logger prefixes every line with its level, e.g. "[WARN] watchdog expired".
type Logger struct {
	std   *log.Logger
	debug atomic.Bool
	file  io.Closer
}

// New returns a logger writing to console and, when opts.Dir is set, to a
// rotating file <dir>/<name>.log.
func New(name string, opts Options, console io.Writer) (*Logger, error) {
	if console == nil {
		console = os.Stderr
	}
	out := console
	var file io.Closer
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		rot := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, name+".log"),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		out = io.MultiWriter(console, rot)
		file = rot
	}
	l := &Logger{std: log.New(out, "", log.LstdFlags|log.Lmicroseconds), file: file}
	l.debug.Store(opts.Debug)
	return l, nil
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{std: log.New(io.Discard, "", 0)}
}

// Writer logs to w without timestamps; tests use it to capture output.
func Writer(w io.Writer, debug bool) *Logger {
	l := &Logger{std: log.New(w, "", 0)}
	l.debug.Store(debug)
	return l
}

func (l *Logger) SetDebug(on bool) {
	if l != nil {
		l.debug.Store(on)
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.debug.Load() {
		return
	}
	l.output("DEBUG", format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.output("INFO", format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.output("WARN", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.output("ERROR", format, args...)
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) output(level, format string, args ...any) {
	if l == nil {
		return
	}
	_ = l.std.Output(3, "["+level+"] "+fmt.Sprintf(format, args...))
}
