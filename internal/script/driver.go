package script

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/bcdebug/internal/debug/breakpoint"
	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/debug/session"
)

// Debugger is the part of a debug session a script can drive.
type Debugger interface {
	Resume() error
	StepIn() error
	StepOver() error
	StepOut() error
	MarkBreakpoints(requests []linetable.Location) breakpoint.Result
	ClearBreakpoints()
	Breakpoints() []linetable.Location
}

// Action is what a script asks the debugger to do after a pause.
type Action string

// Actions understood by on_paused.
const (
	ActionResume   Action = "resume"
	ActionStepIn   Action = "step_in"
	ActionStepOver Action = "step_over"
	ActionStepOut  Action = "step_out"
)

// ParseAction maps an on_paused answer to an Action. Empty means resume.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "", "resume", "continue", "c":
		return ActionResume, nil
	case "step_in", "step", "s":
		return ActionStepIn, nil
	case "step_over", "next", "n":
		return ActionStepOver, nil
	case "step_out", "out", "o":
		return ActionStepOut, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

const pauseQueueSize = 64

// Driver runs a Lua script against a debug session. The script may call
// the debugger module at load time and defines on_paused(ev), whose return
// value decides how the paused goroutine continues.
//
// Driver is a session.Observer. Pause events are queued and handled on the
// driver's own goroutine so the interpreter never runs Lua.
type Driver struct {
	dbg       Debugger
	state     *State
	stateOpts []StateOption
	log       logr.Logger

	events chan session.PauseEvent
	done   chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
	handled atomic.Int64
	failed  atomic.Int64
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the driver logger. The Lua print function and
// debugger.log write to it too.
func WithLogger(log logr.Logger) DriverOption {
	return func(d *Driver) {
		d.log = log
	}
}

// WithStateOptions configures the driver's Lua state.
func WithStateOptions(opts ...StateOption) DriverOption {
	return func(d *Driver) {
		d.stateOpts = append(d.stateOpts, opts...)
	}
}

// NewDriver creates a driver for dbg.
func NewDriver(dbg Debugger, opts ...DriverOption) *Driver {
	d := &Driver{
		dbg:    dbg,
		log:    logr.Discard(),
		events: make(chan session.PauseEvent, pauseQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithName("script")

	d.state = NewState(append([]StateOption{WithStateLogger(d.log)}, d.stateOpts...)...)
	d.state.RegisterModule("debugger", map[string]lua.LGFunction{
		"set_breakpoints":   d.luaSetBreakpoints,
		"clear_breakpoints": d.luaClearBreakpoints,
		"breakpoints":       d.luaBreakpoints,
		"log":               d.luaLog,
	})
	return d
}

// LoadFile runs the script at path.
func (d *Driver) LoadFile(path string) error {
	if err := d.state.DoFile(path); err != nil {
		return fmt.Errorf("loading script %s: %w", path, err)
	}
	return nil
}

// LoadString runs script source.
func (d *Driver) LoadString(src string) error {
	if err := d.state.DoString(src); err != nil {
		return fmt.Errorf("loading script: %w", err)
	}
	return nil
}

// State returns the driver's Lua state.
func (d *Driver) State() *State {
	return d.state
}

// Start begins handling pause events.
func (d *Driver) Start() error {
	if d.closed.Load() {
		return ErrDriverClosed
	}
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	d.wg.Add(1)
	go d.loop()
	return nil
}

// OnPaused queues ev for the script.
func (d *Driver) OnPaused(ev session.PauseEvent) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// Handled returns how many pauses the script answered.
func (d *Driver) Handled() int64 {
	return d.handled.Load()
}

// Failed returns how many pauses ended in a script error. The paused
// goroutine is resumed in that case.
func (d *Driver) Failed() int64 {
	return d.failed.Load()
}

// Close stops the driver and releases the Lua state. Pauses still queued
// are not answered; close the session to release them.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.done)
	d.wg.Wait()
	return d.state.Close()
}

func (d *Driver) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.events:
			d.handle(ev)
		case <-d.done:
			return
		}
	}
}

func (d *Driver) handle(ev session.PauseEvent) {
	action, err := d.decide(ev)
	if err != nil {
		d.failed.Add(1)
		d.log.Error(err, "on_paused failed, resuming", "file", ev.File, "line", ev.Line)
		action = ActionResume
	}
	d.handled.Add(1)

	if err := d.apply(action); err != nil {
		d.log.Info("debugger command not applied", "level", "warn", "action", string(action), "error", err.Error())
	}
}

func (d *Driver) decide(ev session.PauseEvent) (Action, error) {
	if !d.state.HasFunction("on_paused") {
		return ActionResume, nil
	}
	results, err := d.state.Call("on_paused", d.eventTable(ev))
	if err != nil {
		return "", err
	}
	if len(results) == 0 || results[0] == lua.LNil {
		return ActionResume, nil
	}
	return ParseAction(results[0].String())
}

func (d *Driver) apply(action Action) error {
	switch action {
	case ActionStepIn:
		return d.dbg.StepIn()
	case ActionStepOver:
		return d.dbg.StepOver()
	case ActionStepOut:
		return d.dbg.StepOut()
	default:
		return d.dbg.Resume()
	}
}

func (d *Driver) eventTable(ev session.PauseEvent) *lua.LTable {
	t := d.state.L.NewTable()
	t.RawSetString("module", lua.LString(ev.ModuleID))
	t.RawSetString("ip", lua.LNumber(ev.IP))
	t.RawSetString("fp", lua.LNumber(ev.FramePointer))
	t.RawSetString("file", lua.LString(ev.File))
	t.RawSetString("line", lua.LNumber(ev.Line))
	t.RawSetString("depth", lua.LNumber(ev.CallDepth))
	t.RawSetString("reason", lua.LString(ev.Reason))
	return t
}

// set_breakpoints({{file=..., line=...} or "file:line", ...})
// returns the number resolved and a list of dropped locations.
func (d *Driver) luaSetBreakpoints(L *lua.LState) int {
	tbl := L.CheckTable(1)

	var reqs []linetable.Location
	var bad error
	tbl.ForEach(func(_, v lua.LValue) {
		if bad != nil {
			return
		}
		loc, err := toLocation(v)
		if err != nil {
			bad = err
			return
		}
		reqs = append(reqs, loc)
	})
	if bad != nil {
		L.ArgError(1, bad.Error())
		return 0
	}

	res := d.dbg.MarkBreakpoints(reqs)
	dropped := L.NewTable()
	for _, loc := range res.Dropped {
		dropped.Append(lua.LString(loc.String()))
	}
	L.Push(lua.LNumber(len(res.Resolved)))
	L.Push(dropped)
	return 2
}

func toLocation(v lua.LValue) (linetable.Location, error) {
	switch v := v.(type) {
	case lua.LString:
		return linetable.ParseLocation(string(v))
	case *lua.LTable:
		file, ok := v.RawGetString("file").(lua.LString)
		if !ok {
			return linetable.Location{}, fmt.Errorf("breakpoint needs a file")
		}
		line, ok := v.RawGetString("line").(lua.LNumber)
		if !ok || line < 1 {
			return linetable.Location{}, fmt.Errorf("breakpoint %s needs a positive line", file)
		}
		return linetable.Location{File: string(file), Line: uint32(line)}, nil
	default:
		return linetable.Location{}, fmt.Errorf("breakpoint must be a table or file:line string, got %s", v.Type())
	}
}

func (d *Driver) luaClearBreakpoints(L *lua.LState) int {
	d.dbg.ClearBreakpoints()
	return 0
}

func (d *Driver) luaBreakpoints(L *lua.LState) int {
	out := L.NewTable()
	for _, loc := range d.dbg.Breakpoints() {
		out.Append(lua.LString(loc.String()))
	}
	L.Push(out)
	return 1
}

func (d *Driver) luaLog(L *lua.LState) int {
	d.log.Info(L.CheckString(1), "source", "lua")
	return 0
}
