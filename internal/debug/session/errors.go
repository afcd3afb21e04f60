package session

import "errors"

// Errors returned by the session controller.
var (
	// ErrSessionClosed is returned by operations on a closed session, and by
	// OnPause when the session closes while the caller is parked.
	ErrSessionClosed = errors.New("debug session is closed")
)
