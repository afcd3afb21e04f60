// Package session coordinates a debug run: it owns the line tables of the
// loaded modules, the breakpoint registry and the gate that parks
// interpreter goroutines, and exposes the stepping commands a debugger
// front end drives.
//
// # Safepoints
//
// The interpreter calls Safepoint (or ShouldPause followed by OnPause) at
// the first instruction of every source line and at the first instruction
// after every call returns. Leaving out either class of safepoint silently
// disables the stepping granularity that depends on it.
//
// # Commands
//
// A paused goroutine stays parked until exactly one of Resume, StepIn,
// StepOver or StepOut is issued. Each command publishes the new step state
// and then releases the gate, so the woken goroutine always sees the
// command that woke it. Issuing more than one command per pause banks extra
// permits; the controller reports this as gate.ErrPermitOverflow but does
// not refuse the command.
//
//	ctrl := session.New(session.WithObserver(obs))
//	if _, err := ctrl.LoadModule("main", entries, count); err != nil {
//	    // module runs without line mapping
//	}
//	ctrl.MarkBreakpoints([]linetable.Location{{File: "a.bal", Line: 2}})
//	go interp.Run(ctx)          // calls ctrl.Safepoint
//	// ... observer fires ...
//	ctrl.StepOver()
package session
