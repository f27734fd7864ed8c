package ws

const (
	TypeHeartbeat = "heartbeat"
	TypeMotion    = "motion"
	TypeToggle    = "toggle"

	// names sent by the original joystick page
	TypeJoystick    = "joystick"
	TypeToggleState = "toggle_state"

	TypeStatus = "status"
	TypeState  = "state"
)

// InboundMsg is any operator message. Linear and Angular stay untyped so
// missing or non-numeric fields can be told apart from zero.
type InboundMsg struct {
	Type    string `json:"type"`
	Linear  any    `json:"linear,omitempty"`
	Angular any    `json:"angular,omitempty"`
}

type StatusMsg struct {
	Type     string `json:"type"`
	SerialOK bool   `json:"serial_ok"`
	State    string `json:"state"`
	Message  string `json:"message"`
}

type StateMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`
}
