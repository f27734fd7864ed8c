package protocol

import (
	"errors"

	"rcdrive/pkg/motion"
)

var errLineTooLong = errors.New("direct line exceeds maximum length")

type EventKind int

const (
	// EventIgnored is a legacy byte with no meaning.
	EventIgnored EventKind = iota
	EventMotion
	EventToggle
	EventHeartbeat
	// EventMalformed is a direct line that failed to parse or overflowed.
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventMotion:
		return "motion"
	case EventToggle:
		return "toggle"
	case EventHeartbeat:
		return "heartbeat"
	case EventMalformed:
		return "malformed"
	default:
		return "ignored"
	}
}

// Event is one decoded unit. Setpoint is the accumulator state after the
// unit was applied.
type Event struct {
	Kind     EventKind
	Byte     byte
	Line     string
	Setpoint motion.Command
	Err      error
}

type decodeMode int

const (
	modeIdle decodeMode = iota
	modeBufferingLine
	// modeDiscardingLine swallows the rest of an overlong line.
	modeDiscardingLine
)

// Decoder splits one byte stream into legacy single-byte commands and
// direct velocity lines. Once a 'V' has been consumed every byte up to the
// line terminator is buffered and never dispatched as a legacy command,
// however the bytes are split across Feed calls.
type Decoder struct {
	mode      decodeMode
	line      []byte
	setpoint  motion.Command
	step      float64
	heartbeat byte
}

type DecoderOption func(*Decoder)

func WithStep(step float64) DecoderOption {
	return func(d *Decoder) {
		if step > 0 {
			d.step = step
		}
	}
}

func WithHeartbeat(b byte) DecoderOption {
	return func(d *Decoder) {
		if b != 0 {
			d.heartbeat = b
		}
	}
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		line:      make([]byte, 0, MaxLineLength),
		step:      DefaultStep,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed decodes p and calls fn for every completed unit.
func (d *Decoder) Feed(p []byte, fn func(Event)) {
	for _, b := range p {
		if ev, ok := d.DecodeByte(b); ok && fn != nil {
			fn(ev)
		}
	}
}

// DecodeByte consumes one byte. It returns false while a direct line is
// still being buffered.
func (d *Decoder) DecodeByte(b byte) (Event, bool) {
	switch d.mode {
	case modeBufferingLine:
		return d.bufferByte(b)
	case modeDiscardingLine:
		if b != LineTerminator {
			return Event{}, false
		}
		d.resetLine()
		return Event{Kind: EventMalformed, Setpoint: d.setpoint, Err: errLineTooLong}, true
	}
	if b == VelocityIntroducer {
		d.mode = modeBufferingLine
		d.line = append(d.line[:0], b)
		return Event{}, false
	}
	return d.dispatch(b), true
}

func (d *Decoder) bufferByte(b byte) (Event, bool) {
	if b == LineTerminator {
		line := string(d.line)
		d.resetLine()
		cmd, err := ParseVelocityLine(line)
		if err != nil {
			return Event{Kind: EventMalformed, Line: line, Setpoint: d.setpoint, Err: err}, true
		}
		d.setpoint = cmd
		return Event{Kind: EventMotion, Line: line, Setpoint: d.setpoint}, true
	}
	if len(d.line) >= MaxLineLength {
		d.mode = modeDiscardingLine
		d.line = d.line[:0]
		return Event{}, false
	}
	d.line = append(d.line, b)
	return Event{}, false
}

func (d *Decoder) dispatch(b byte) Event {
	ev := Event{Kind: EventMotion, Byte: b}
	switch b {
	case KeyForward:
		d.setpoint.Linear += d.step
	case KeyBackward:
		d.setpoint.Linear -= d.step
	case KeyLeft:
		d.setpoint.Angular += d.step
	case KeyRight:
		d.setpoint.Angular -= d.step
	case KeyStop:
		d.setpoint = motion.Zero
	case KeyToggle:
		ev.Kind = EventToggle
	case d.heartbeat:
		ev.Kind = EventHeartbeat
	default:
		ev.Kind = EventIgnored
	}
	d.setpoint = d.setpoint.Clamp(motion.Unit)
	ev.Setpoint = d.setpoint
	return ev
}

func (d *Decoder) resetLine() {
	d.mode = modeIdle
	d.line = d.line[:0]
}

// Buffering reports whether the decoder is inside a direct line.
func (d *Decoder) Buffering() bool {
	return d.mode != modeIdle
}

func (d *Decoder) Setpoint() motion.Command {
	return d.setpoint
}

// SetSetpoint overwrites the accumulators without touching line state.
func (d *Decoder) SetSetpoint(cmd motion.Command) {
	d.setpoint = cmd.Clamp(motion.Unit)
}
