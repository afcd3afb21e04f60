package session

import (
	"context"
	"errors"

	"github.com/dshills/bcdebug/internal/debug/gate"
	"github.com/dshills/bcdebug/internal/debug/linetable"
)

// ShouldPause reports whether the interpreter must pause at ip of module
// with the given call depth. IPs that cannot be mapped to a line never
// pause; a gap in debug metadata must not stop the program.
//
// ShouldPause may advance StepOver and StepOut to their pending forms.
func (c *Controller) ShouldPause(module linetable.ModuleID, ip uint32, depth int) bool {
	_, _, pause := c.check(module, ip, depth)
	return pause
}

// OnPause records the snapshot, notifies the observer and parks the calling
// goroutine until a stepping command releases it. It returns
// ErrSessionClosed if the session ends while parked.
func (c *Controller) OnPause(snap FrameSnapshot) error {
	return c.OnPauseContext(context.Background(), snap)
}

// OnPauseContext is OnPause that also gives up when ctx ends, returning the
// context error. A command issued later is banked for the next pause.
func (c *Controller) OnPauseContext(ctx context.Context, snap FrameSnapshot) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}

	p := &snap
	c.paused.Store(p)
	c.log.V(1).Info("paused", "module", snap.ModuleID, "file", snap.File, "line", snap.Line,
		"ip", snap.IP, "depth", snap.CallDepth, "reason", snap.Reason)

	if obs := c.observer.Load(); obs != nil {
		(*obs).OnPaused(snap)
	}

	err := c.gate.AcquireContext(ctx)

	// Another goroutine may have paused since; only clear our own snapshot.
	c.paused.CompareAndSwap(p, nil)
	switch {
	case errors.Is(err, gate.ErrClosed):
		return ErrSessionClosed
	case err != nil:
		c.log.V(1).Info("pause abandoned", "module", snap.ModuleID, "line", snap.Line, "error", err.Error())
		return err
	}
	return nil
}

// Safepoint is the single call the interpreter makes at a safepoint. It
// pauses and blocks when ShouldPause holds, and reports whether it did.
func (c *Controller) Safepoint(module linetable.ModuleID, ip uint32, framePointer, depth int) bool {
	return c.SafepointContext(context.Background(), module, ip, framePointer, depth)
}

// SafepointContext is Safepoint with a pause bounded by ctx.
func (c *Controller) SafepointContext(ctx context.Context, module linetable.ModuleID, ip uint32, framePointer, depth int) bool {
	info, reason, pause := c.check(module, ip, depth)
	if !pause {
		return false
	}

	_ = c.OnPauseContext(ctx, FrameSnapshot{
		ModuleID:     module,
		IP:           ip,
		FramePointer: framePointer,
		File:         info.File,
		Line:         info.Line,
		CallDepth:    depth,
		Reason:       reason,
	})
	return true
}

func (c *Controller) check(module linetable.ModuleID, ip uint32, depth int) (linetable.LineInfo, string, bool) {
	if c.closed.Load() {
		return linetable.LineInfo{}, "", false
	}

	_, info, err := c.registry.Lookup(module, ip)
	if err != nil {
		c.log.V(2).Info("safepoint skipped", "module", module, "ip", ip, "reason", err.Error())
		return info, "", false
	}

	for {
		st := c.step.Load()
		pause, next := st.wantsPause(depth)
		if next != nil && !c.step.CompareAndSwap(st, next) {
			// A command landed between Load and CompareAndSwap.
			continue
		}

		switch {
		case info.IsBreakpoint:
			return info, ReasonBreakpoint, true
		case pause && st.entry:
			return info, ReasonEntry, true
		case pause:
			return info, ReasonStep, true
		default:
			return info, "", false
		}
	}
}
