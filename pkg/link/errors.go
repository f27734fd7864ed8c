package link

import "errors"

var (
	// ErrUnavailable means the physical link could not take the write: not
	// open, write error or write timeout.
	ErrUnavailable = errors.New("link unavailable")
	// ErrIllegal is returned for bytes outside the legacy command whitelist.
	ErrIllegal = errors.New("illegal command byte")
	// ErrBusy is returned when another command source already owns the link.
	ErrBusy = errors.New("link already owned")
)
