package linetable

import "errors"

// Errors returned while building or querying a line table.
var (
	// ErrEmptyModule is returned when a module has no line entries.
	ErrEmptyModule = errors.New("module has no line entries")

	// ErrInvalidInstructionCount is returned when the instruction count does
	// not extend past the last line entry.
	ErrInvalidInstructionCount = errors.New("instruction count does not cover last line entry")

	// ErrInvalidEntry is returned for line entries without a source file.
	ErrInvalidEntry = errors.New("invalid line entry")

	// ErrUnmappedInstruction is returned when an IP lies outside the module.
	ErrUnmappedInstruction = errors.New("instruction is not mapped to a source line")
)
