package engine

import (
	"time"

	"rcdrive/pkg/motion"
	"rcdrive/pkg/protocol"
)

type EventKind string

const (
	EventSessionStart    EventKind = "session_start"
	EventSessionEnd      EventKind = "session_end"
	EventCommand         EventKind = "command"
	EventToggle          EventKind = "toggle"
	EventWatchdogExpired EventKind = "watchdog_expired"
	EventStateReport     EventKind = "state"
	EventLinkDegraded    EventKind = "link_degraded"
	EventMalformed       EventKind = "malformed"
)

// Event is what flows from the command channels to observers (journal,
// status publisher, web clients).
type Event struct {
	Kind    EventKind
	Time    time.Time
	Source  string
	Session string
	State   protocol.State
	Command motion.Command
	LinkOK  bool
	Detail  string
}
