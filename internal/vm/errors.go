package vm

import "errors"

// Errors raised by the interpreter.
var (
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrBadJump         = errors.New("jump target outside module")
	ErrUnknownOp       = errors.New("unknown opcode")
	ErrUnknownFunction = errors.New("unknown function")
	ErrUnknownModule   = errors.New("unknown module")
	ErrStepLimit       = errors.New("step limit exceeded")
	ErrCallDepth       = errors.New("call depth limit exceeded")
)
