package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"rcdrive/pkg/motion"
)

// Legacy single-byte commands.
const (
	KeyForward  byte = 'w'
	KeyBackward byte = 's'
	KeyLeft     byte = 'a'
	KeyRight    byte = 'd'
	KeyStop     byte = ' '
	KeyToggle   byte = '\r'
)

const (
	DefaultHeartbeat byte = 'H'
	DefaultStep           = 0.1

	// VelocityIntroducer opens a direct-syntax line; LineTerminator closes it.
	VelocityIntroducer byte = 'V'
	LineTerminator     byte = '\n'

	// MaxLineLength bounds a buffered direct line, introducer included.
	MaxLineLength = 64
)

// IsLegacyCommand reports whether b may be written to the link as a
// single-byte command. The heartbeat byte is not part of the whitelist.
func IsLegacyCommand(b byte) bool {
	switch b {
	case KeyForward, KeyBackward, KeyLeft, KeyRight, KeyStop, KeyToggle:
		return true
	}
	return false
}

// EncodeVelocity renders cmd as a direct-syntax line, clamped to [-1, 1].
func EncodeVelocity(cmd motion.Command) []byte {
	cmd = cmd.Clamp(motion.Unit)
	return []byte(fmt.Sprintf("V%.2f,%.2f\n", cmd.Linear, cmd.Angular))
}

// ParseVelocityLine parses "V<linear>,<angular>" with optional surrounding
// whitespace and line terminator. Values are clamped to [-1, 1].
func ParseVelocityLine(line string) (motion.Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != VelocityIntroducer {
		return motion.Command{}, fmt.Errorf("%w: line does not start with %q", motion.ErrMalformed, VelocityIntroducer)
	}
	parts := strings.Split(line[1:], ",")
	if len(parts) != 2 {
		return motion.Command{}, fmt.Errorf("%w: expected 2 fields, got %d", motion.ErrMalformed, len(parts))
	}
	linear, err := parseComponent(parts[0])
	if err != nil {
		return motion.Command{}, err
	}
	angular, err := parseComponent(parts[1])
	if err != nil {
		return motion.Command{}, err
	}
	return motion.Command{Linear: linear, Angular: angular}.Clamp(motion.Unit), nil
}

func parseComponent(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", motion.ErrMalformed, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", motion.ErrMalformed, s)
	}
	return f, nil
}
