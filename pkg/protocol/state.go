package protocol

import "strings"

// State is the controller-owned control state. The host only requests a
// toggle and learns the result from status lines.
type State uint8

const (
	StateReady State = iota
	StateActive
)

const statusPrefix = "S:"

func (s State) String() string {
	if s == StateActive {
		return "ACTIVE"
	}
	return "READY"
}

// Toggled returns the state a toggle signal leads to.
func (s State) Toggled() State {
	if s == StateActive {
		return StateReady
	}
	return StateActive
}

// StatusLine renders the controller -> host report for s.
func StatusLine(s State) []byte {
	return []byte(statusPrefix + s.String() + "\n")
}

// ParseStatusLine recognises "S:ACTIVE" and "S:READY". Anything else is
// debug noise and reported as not ok.
func ParseStatusLine(line string) (State, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, statusPrefix) {
		return StateReady, false
	}
	switch line[len(statusPrefix):] {
	case "ACTIVE":
		return StateActive, true
	case "READY":
		return StateReady, true
	}
	return StateReady, false
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
