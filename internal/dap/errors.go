package dap

import "errors"

// Errors returned by the DAP server.
var (
	// ErrTransportClosed is returned when reading or writing a closed transport.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrNotLaunched is returned for requests that need a launched program.
	ErrNotLaunched = errors.New("program not launched")

	// ErrAlreadyLaunched is returned for a second launch or attach.
	ErrAlreadyLaunched = errors.New("program already launched")

	// ErrNotPaused is returned for requests that need a paused program.
	ErrNotPaused = errors.New("program is not paused")
)
