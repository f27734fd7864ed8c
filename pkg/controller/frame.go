package controller

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strings"

	"rcdrive/pkg/protocol"
)

// FrameID is the CAN id of the actuation frame: RPDO1 of the vehicle
// dashboard node.
const FrameID = 0x200 | 0x0E

const FrameLen = 8

// Requested-state codes understood by the vehicle dashboard.
const (
	codeReady  byte = 0x05
	codeActive byte = 0x06
)

// Frame is the low-level actuation command emitted every cycle.
type Frame struct {
	State   protocol.State
	Linear  float64
	Angular float64
}

// MarshalBinary encodes the 8-byte little-endian payload: requested state,
// int16 linear and angular in thousandths, three zero bytes.
func (f Frame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FrameLen)
	buf[0] = codeReady
	if f.State == protocol.StateActive {
		buf[0] = codeActive
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(toMilli(f.Linear)))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(toMilli(f.Angular)))
	return buf, nil
}

func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) != FrameLen {
		return fmt.Errorf("actuation frame: want %d bytes, got %d", FrameLen, len(data))
	}
	switch data[0] {
	case codeReady:
		f.State = protocol.StateReady
	case codeActive:
		f.State = protocol.StateActive
	default:
		return fmt.Errorf("actuation frame: unknown state code 0x%02x", data[0])
	}
	f.Linear = float64(int16(binary.LittleEndian.Uint16(data[1:3]))) / 1000
	f.Angular = float64(int16(binary.LittleEndian.Uint16(data[3:5]))) / 1000
	return nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%s (%.2f, %.2f)", f.State, f.Linear, f.Angular)
}

func toMilli(v float64) int16 {
	v = math.Round(v * 1000)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Sink receives one frame per control cycle.
type Sink interface {
	Emit(Frame) error
}

type FuncSink func(Frame) error

func (fn FuncSink) Emit(f Frame) error {
	return fn(f)
}

// WriterSink writes frames as candump-style text lines, e.g.
// "20E#0600000000000000".
type WriterSink struct {
	w io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(f Frame) error {
	payload, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%03X#%s\n", FrameID, strings.ToUpper(hex.EncodeToString(payload)))
	_, err = io.WriteString(s.w, line)
	return err
}
