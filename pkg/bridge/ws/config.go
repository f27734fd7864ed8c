package ws

import (
	"time"

	"rcdrive/pkg/motion"
)

type Config struct {
	Addr            string
	Path            string
	Limits          motion.Limits
	WatchdogTimeout time.Duration
	StatusInterval  time.Duration
	SendBuf         int
	// PingInterval paces keepalive pings; a session that has not answered
	// within PingInterval+PongTimeout is dropped and stopped.
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:            "0.0.0.0:8765",
		Path:            "/",
		Limits:          motion.Limits{Linear: 0.5, Angular: 1.0},
		WatchdogTimeout: 2 * time.Second,
		StatusInterval:  2 * time.Second,
		SendBuf:         64,
		PingInterval:    20 * time.Second,
		PongTimeout:     10 * time.Second,
	}
}
