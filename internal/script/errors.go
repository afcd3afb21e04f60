package script

import "errors"

// Errors for Lua script operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when a script runs past its deadline.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrUnknownAction is returned when on_paused answers with an action the
	// driver does not know.
	ErrUnknownAction = errors.New("unknown debugger action")

	// ErrDriverClosed is returned when starting a closed driver.
	ErrDriverClosed = errors.New("script driver is closed")
)
