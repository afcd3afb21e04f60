package breakpoint

import "errors"

// ErrUnknownModule is returned when a module has no tracked line table.
var ErrUnknownModule = errors.New("module is not tracked")
