package gate

import "errors"

var (
	// ErrClosed is returned by gate operations after Close.
	ErrClosed = errors.New("gate is closed")

	// ErrPermitOverflow is returned by Release when a permit was already
	// banked and nobody was waiting for it. The new permit is still banked.
	ErrPermitOverflow = errors.New("gate released more than once per acquire")
)
