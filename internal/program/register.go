package program

import (
	"errors"
	"maps"
	"slices"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/vm"
)

// ModuleLoader receives the line entries of each loaded module.
type ModuleLoader interface {
	LoadModule(module linetable.ModuleID, entries []linetable.Entry, instructionCount uint32) (*linetable.Table, error)
}

// ModuleError reports a module that was loaded without line mapping.
type ModuleError struct {
	Module linetable.ModuleID
	Err    error
}

func (e *ModuleError) Error() string {
	return e.Err.Error()
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// Register hands every module of prog to l in module ID order. A module
// that fails to register keeps running without line mapping; the failures
// are joined into the returned error as *ModuleError values.
func Register(l ModuleLoader, prog *vm.Program) error {
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(prog.Modules)) {
		mod := prog.Modules[id]
		if _, err := l.LoadModule(id, mod.Lines, mod.InstructionCount()); err != nil {
			errs = append(errs, &ModuleError{Module: id, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Failures lists the modules a Register error reports.
func Failures(err error) []*ModuleError {
	var out []*ModuleError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Failures(e)...)
		}
		return out
	}
	var me *ModuleError
	if errors.As(err, &me) {
		out = append(out, me)
	}
	return out
}
