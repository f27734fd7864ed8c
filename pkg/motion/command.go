// Package motion holds the canonical (linear, angular) setpoint and the
// clamping and validation rules every command source applies.
package motion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed marks a payload whose motion fields are missing, non-numeric
// or non-finite.
var ErrMalformed = errors.New("malformed motion command")

// Command is a velocity setpoint. Both components lie in [-1, 1] once they
// have crossed the link codec.
type Command struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
}

// Zero is the stop command.
var Zero = Command{}

// Limits bounds a command symmetrically per axis.
type Limits struct {
	Linear  float64
	Angular float64
}

// Unit is the codec boundary clamp.
var Unit = Limits{Linear: 1, Angular: 1}

// Clamp saturates value to [-limit, limit]. A non-positive limit yields 0.
func Clamp(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	if value > limit {
		return limit
	}
	if value < -limit {
		return -limit
	}
	return value
}

// Clamp saturates both axes to l.
func (c Command) Clamp(l Limits) Command {
	return Command{
		Linear:  Clamp(c.Linear, l.Linear),
		Angular: Clamp(c.Angular, l.Angular),
	}
}

func (c Command) IsZero() bool {
	return c.Linear == 0 && c.Angular == 0
}

func (c Command) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", c.Linear, c.Angular)
}

// Validate builds a Command from decoded JSON fields. Missing, non-numeric,
// NaN and infinite values are rejected with ErrMalformed.
func Validate(linear, angular any) (Command, error) {
	l, err := field("linear", linear)
	if err != nil {
		return Command{}, err
	}
	a, err := field("angular", angular)
	if err != nil {
		return Command{}, err
	}
	return Command{Linear: l, Angular: a}, nil
}

func field(name string, v any) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	f, ok := numberToFloat64(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, not a number", ErrMalformed, name, v)
	}
	if !finite(f) {
		return 0, fmt.Errorf("%w: %s is not finite", ErrMalformed, name)
	}
	return f, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func numberToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
