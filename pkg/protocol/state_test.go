package protocol

import "testing"

func TestStatusLines(t *testing.T) {
	if got := string(StatusLine(StateActive)); got != "S:ACTIVE\n" {
		t.Fatalf("unexpected active line: %q", got)
	}
	if got := string(StatusLine(StateReady)); got != "S:READY\n" {
		t.Fatalf("unexpected ready line: %q", got)
	}

	cases := map[string]struct {
		state State
		ok    bool
	}{
		"S:ACTIVE":       {StateActive, true},
		"S:READY\r\n":    {StateReady, true},
		"  S:ACTIVE \n":  {StateActive, true},
		"S:BOOT":         {StateReady, false},
		"debug: cycle 3": {StateReady, false},
		"":               {StateReady, false},
	}
	for line, want := range cases {
		state, ok := ParseStatusLine(line)
		if ok != want.ok || state != want.state {
			t.Fatalf("%q: got (%v, %v) want (%v, %v)", line, state, ok, want.state, want.ok)
		}
	}
}

func TestToggled(t *testing.T) {
	if StateReady.Toggled() != StateActive || StateActive.Toggled() != StateReady {
		t.Fatalf("toggle is not an involution")
	}
}
