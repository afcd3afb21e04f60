package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dshills/bcdebug/internal/debug/breakpoint"
	"github.com/dshills/bcdebug/internal/debug/gate"
	"github.com/dshills/bcdebug/internal/debug/linetable"
)

// FrameSnapshot describes where an interpreter goroutine is paused.
type FrameSnapshot struct {
	ModuleID     linetable.ModuleID
	IP           uint32
	FramePointer int
	File         string
	Line         uint32
	CallDepth    int
	Reason       string
}

// PauseEvent is delivered to observers just before a goroutine parks.
type PauseEvent = FrameSnapshot

// Observer is notified synchronously from the interpreter goroutine when it
// pauses. OnPaused must not block indefinitely; it may hand the event to
// another goroutine that later issues a stepping command.
type Observer interface {
	OnPaused(ev PauseEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev PauseEvent)

// OnPaused calls f(ev).
func (f ObserverFunc) OnPaused(ev PauseEvent) {
	f(ev)
}

// Observers fans a pause event out to several observers in order.
type Observers []Observer

// OnPaused notifies every observer.
func (o Observers) OnPaused(ev PauseEvent) {
	for _, obs := range o {
		obs.OnPaused(ev)
	}
}

// State is a point-in-time view of the session.
type State struct {
	Command Command
	Paused  *FrameSnapshot
}

// Controller is one debug session. It is created per debug run; several
// controllers may coexist in one process.
type Controller struct {
	id         string
	log        logr.Logger
	registry   *breakpoint.Registry
	gate       *gate.Gate
	duplicates linetable.DuplicatePolicy

	// mu serializes controller-side calls so that each command's
	// set-state-then-release pair is never interleaved with another.
	mu sync.Mutex

	step     atomic.Pointer[stepState]
	paused   atomic.Pointer[FrameSnapshot]
	observer atomic.Pointer[Observer]
	closed   atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the session logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithObserver sets the pause observer.
func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		c.observer.Store(&obs)
	}
}

// WithStopOnEntry makes the first safepoint of the run pause.
func WithStopOnEntry(stop bool) Option {
	return func(c *Controller) {
		if stop {
			c.step.Store(&stepState{cmd: CommandStepIn, entry: true})
		}
	}
}

// WithDuplicatePolicy sets how line tables index repeated file:line entries.
func WithDuplicatePolicy(p linetable.DuplicatePolicy) Option {
	return func(c *Controller) {
		c.duplicates = p
	}
}

// New creates a session with no modules, no breakpoints and no command.
func New(opts ...Option) *Controller {
	c := &Controller{
		id:   uuid.NewString(),
		log:  logr.Discard(),
		gate: gate.New(),
	}
	c.step.Store(&stepState{cmd: CommandNone})
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName("session").WithValues("session", c.id)
	c.registry = breakpoint.NewRegistry(breakpoint.WithLogger(c.log.WithName("breakpoints")))
	return c
}

// ID returns the unique session identifier.
func (c *Controller) ID() string {
	return c.id
}

// SetObserver replaces the pause observer. A nil observer disables
// notifications.
func (c *Controller) SetObserver(obs Observer) {
	if obs == nil {
		c.observer.Store(nil)
		return
	}
	c.observer.Store(&obs)
}

// LoadModule builds and tracks the line table of a newly loaded module.
// A build error only disables debugging for that module.
func (c *Controller) LoadModule(module linetable.ModuleID, entries []linetable.Entry, instructionCount uint32) (*linetable.Table, error) {
	if c.closed.Load() {
		return nil, ErrSessionClosed
	}

	t, err := linetable.Build(module, entries, instructionCount, linetable.WithDuplicatePolicy(c.duplicates))
	if err != nil {
		c.log.Error(err, "module loaded without line mapping", "module", module)
		return nil, fmt.Errorf("build line table: %w", err)
	}

	c.registry.Track(t)
	c.log.V(1).Info("module loaded", "module", module, "intervals", t.Len(), "instructions", instructionCount)
	return t, nil
}

// UnloadModule drops a module's line table and breakpoints.
func (c *Controller) UnloadModule(module linetable.ModuleID) bool {
	ok := c.registry.Untrack(module)
	if ok {
		c.log.V(1).Info("module unloaded", "module", module)
	}
	return ok
}

// Table returns the line table of a loaded module.
func (c *Controller) Table(module linetable.ModuleID) (*linetable.Table, bool) {
	return c.registry.Table(module)
}

// Modules returns the IDs of the loaded modules.
func (c *Controller) Modules() []linetable.ModuleID {
	return c.registry.Modules()
}

// Lookup resolves an IP of a module to its source line and breakpoint state.
func (c *Controller) Lookup(module linetable.ModuleID, ip uint32) (linetable.LineInfo, error) {
	_, info, err := c.registry.Lookup(module, ip)
	return info, err
}

// MarkBreakpoints replaces the whole breakpoint set. Requests that match no
// loaded line are dropped and listed in the result.
func (c *Controller) MarkBreakpoints(requests []linetable.Location) breakpoint.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.ReplaceAll(requests)
}

// ClearBreakpoints removes every breakpoint.
func (c *Controller) ClearBreakpoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.ClearAll()
}

// Breakpoints returns the active breakpoint locations.
func (c *Controller) Breakpoints() []linetable.Location {
	return c.registry.Breakpoints()
}

// Resume runs until the next breakpoint.
func (c *Controller) Resume() error {
	return c.command(CommandResume)
}

// StepIn pauses at the next safepoint.
func (c *Controller) StepIn() error {
	return c.command(CommandStepIn)
}

// StepOver pauses at the next safepoint that is not inside a call made from
// the paused frame.
func (c *Controller) StepOver() error {
	return c.command(CommandStepOver)
}

// StepOut pauses once the paused frame has returned to its caller.
func (c *Controller) StepOut() error {
	return c.command(CommandStepOut)
}

func (c *Controller) command(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrSessionClosed
	}

	origin := 0
	if snap := c.paused.Load(); snap != nil {
		origin = snap.CallDepth
	} else {
		c.log.V(1).Info("command issued while no goroutine is paused", "command", cmd)
	}

	c.step.Store(&stepState{cmd: cmd, origin: origin})
	if err := c.gate.Release(); err != nil {
		if errors.Is(err, gate.ErrPermitOverflow) {
			c.log.Info("more than one command issued for a single pause", "level", "warn", "command", cmd)
		}
		return fmt.Errorf("%s: %w", cmd, err)
	}

	c.log.V(1).Info("command issued", "command", cmd, "origin", origin)
	return nil
}

// StopOnEntry arms a pause at the next safepoint, reported with reason
// entry. It is meant for use before the program starts running.
func (c *Controller) StopOnEntry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	c.step.Store(&stepState{cmd: CommandStepIn, entry: true})
}

// CurrentCommand returns the active stepping command.
func (c *Controller) CurrentCommand() Command {
	return c.step.Load().cmd
}

// CurrentPauseSnapshot returns where the session is paused, if it is.
func (c *Controller) CurrentPauseSnapshot() (FrameSnapshot, bool) {
	snap := c.paused.Load()
	if snap == nil {
		return FrameSnapshot{}, false
	}
	return *snap, true
}

// State returns the current command and pause snapshot.
func (c *Controller) State() State {
	st := State{Command: c.CurrentCommand()}
	if snap, ok := c.CurrentPauseSnapshot(); ok {
		st.Paused = &snap
	}
	return st
}

// PendingPermits returns how many releases are banked without a paused
// goroutine to consume them.
func (c *Controller) PendingPermits() uint {
	return c.gate.Permits()
}

// Close ends the session. Breakpoints are cleared, the command becomes
// Resume and every parked goroutine is released. Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Swap(true) {
		return
	}
	c.registry.ClearAll()
	c.step.Store(&stepState{cmd: CommandResume})
	c.gate.Close()
	c.log.V(1).Info("session closed")
}

// Closed reports whether Close was called.
func (c *Controller) Closed() bool {
	return c.closed.Load()
}
