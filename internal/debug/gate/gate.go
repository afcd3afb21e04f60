// Package gate provides the blocking handoff used to park an interpreter
// goroutine while a debugger inspects it.
//
// A Gate starts without permits, so the first Acquire always blocks. Each
// Release hands exactly one permit to the longest waiting goroutine, or banks
// it when nobody waits. Callers are expected to release once per observed
// pause; extra releases are counted as overflows and still satisfy future
// Acquire calls without blocking.
package gate

import (
	"context"
	"slices"
	"sync"
)

// Gate is a single-permit handoff primitive. Waiters are served in FIFO order.
type Gate struct {
	mu        sync.Mutex
	permits   uint
	waiters   []*Waiter
	closed    bool
	overflows uint64
}

// New creates a gate with no permits.
func New() *Gate {
	return &Gate{}
}

// Waiter exposes a channel that is closed once the waiter owns a permit or
// the gate is closed.
type Waiter struct {
	Chan chan struct{}

	gate     *Gate
	queued   bool
	byClosed bool
}

// Err returns ErrClosed if the wait ended because the gate was closed.
// It must only be called after Chan is closed.
func (w *Waiter) Err() error {
	if w.byClosed {
		return ErrClosed
	}
	return nil
}

// Cancel withdraws a pending wait. It reports whether the waiter already
// owned a permit, in which case the permit stays consumed.
func (w *Waiter) Cancel() bool {
	g := w.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	if !w.queued {
		return true
	}
	g.waiters = slices.DeleteFunc(g.waiters, func(o *Waiter) bool {
		return o == w
	})
	w.queued = false
	return false
}

// Wait registers a waiter. If a permit is banked it is consumed immediately
// and the returned waiter is already complete.
func (g *Gate) Wait() *Waiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := &Waiter{Chan: make(chan struct{}), gate: g}
	switch {
	case g.closed:
		w.byClosed = true
		close(w.Chan)
	case g.permits > 0:
		g.permits--
		close(w.Chan)
	default:
		w.queued = true
		g.waiters = append(g.waiters, w)
	}
	return w
}

// Acquire blocks until a permit is available and consumes it.
// It returns ErrClosed if the gate is or becomes closed.
func (g *Gate) Acquire() error {
	w := g.Wait()
	<-w.Chan
	return w.Err()
}

// AcquireContext is Acquire bounded by ctx. If ctx ends first no permit is
// consumed and the context error is returned.
func (g *Gate) AcquireContext(ctx context.Context) error {
	w := g.Wait()
	select {
	case <-w.Chan:
		return w.Err()
	case <-ctx.Done():
		if w.Cancel() {
			// Granted while we were giving up.
			<-w.Chan
			return w.Err()
		}
		return ctx.Err()
	}
}

// Release makes one permit available, waking the oldest waiter if any.
func (g *Gate) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}

	if len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		w.queued = false
		close(w.Chan)
		return nil
	}

	g.permits++
	if g.permits > 1 {
		g.overflows++
		return ErrPermitOverflow
	}
	return nil
}

// Close wakes every waiter and makes all future acquires return
// immediately with ErrClosed. Close is idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	for _, w := range g.waiters {
		w.queued = false
		w.byClosed = true
		close(w.Chan)
	}
	g.waiters = nil
	g.permits = 0
}

// Waiting returns the number of goroutines blocked on the gate.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Permits returns the number of banked permits.
func (g *Gate) Permits() uint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permits
}

// Overflows returns how many releases found a permit already banked.
func (g *Gate) Overflows() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overflows
}
