package transport

import "errors"

var (
	// ErrSessionLost means the operator connection went away mid-session.
	ErrSessionLost = errors.New("session lost")
	// ErrNotConnected is returned by Dialer writes while no connection is up.
	ErrNotConnected = errors.New("not connected")
)
