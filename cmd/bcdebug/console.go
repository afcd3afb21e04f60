package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/debug/session"
	"github.com/dshills/bcdebug/internal/vm"
)

// styles holds the console color formatters.
type styles struct {
	location *color.Color
	reason   *color.Color
	prompt   *color.Color
	info     *color.Color
	warn     *color.Color
	err      *color.Color
}

func newStyles(enabled bool) *styles {
	s := &styles{
		location: color.New(color.Bold, color.FgHiWhite),
		reason:   color.New(color.FgCyan),
		prompt:   color.New(color.FgGreen),
		info:     color.New(color.FgHiBlue),
		warn:     color.New(color.FgYellow),
		err:      color.New(color.FgRed),
	}
	if !enabled {
		for _, c := range []*color.Color{s.location, s.reason, s.prompt, s.info, s.warn, s.err} {
			c.DisableColor()
		}
	}
	return s
}

type commandKind int

const (
	cmdEmpty commandKind = iota
	cmdContinue
	cmdStepIn
	cmdStepOver
	cmdStepOut
	cmdBreak
	cmdClear
	cmdList
	cmdWhere
	cmdHelp
	cmdQuit
)

type consoleCommand struct {
	kind commandKind
	locs []linetable.Location
}

var errUnknownCommand = errors.New("unknown command")

// parseCommand parses one console line.
func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{kind: cmdEmpty}, nil
	}

	name, args := strings.ToLower(fields[0]), fields[1:]
	simple := map[string]commandKind{
		"c": cmdContinue, "continue": cmdContinue,
		"s": cmdStepIn, "step": cmdStepIn,
		"n": cmdStepOver, "next": cmdStepOver,
		"o": cmdStepOut, "out": cmdStepOut,
		"clear": cmdClear,
		"w": cmdWhere, "where": cmdWhere,
		"h": cmdHelp, "help": cmdHelp, "?": cmdHelp,
		"q": cmdQuit, "quit": cmdQuit,
	}
	if kind, ok := simple[name]; ok {
		if len(args) > 0 {
			return consoleCommand{}, fmt.Errorf("%s takes no arguments", name)
		}
		return consoleCommand{kind: kind}, nil
	}

	if name != "b" && name != "break" {
		return consoleCommand{}, fmt.Errorf("%w %q (type help)", errUnknownCommand, fields[0])
	}
	if len(args) == 0 {
		return consoleCommand{kind: cmdList}, nil
	}
	cmd := consoleCommand{kind: cmdBreak}
	for _, arg := range args {
		loc, err := linetable.ParseLocation(arg)
		if err != nil {
			return consoleCommand{}, err
		}
		cmd.locs = append(cmd.locs, loc)
	}
	return cmd, nil
}

const consoleHelp = `commands:
  c, continue          run to the next breakpoint
  s, step              step in
  n, next              step over
  o, out               step out
  b file:line ...      replace all breakpoints
  b                    list breakpoints
  clear                remove all breakpoints
  w, where             show the paused location
  q, quit              stop the program
`

type pauseAction int

const (
	actionResume pauseAction = iota
	actionQuit
	actionDetach
)

// console is an interactive debugger front end. It reads commands only
// while the program is paused.
type console struct {
	ctrl   *session.Controller
	prog   *vm.Program
	out    io.Writer
	st     *styles
	pauses chan session.PauseEvent
}

func newConsole(ctrl *session.Controller, prog *vm.Program, out io.Writer, st *styles) *console {
	return &console{
		ctrl:   ctrl,
		prog:   prog,
		out:    out,
		st:     st,
		pauses: make(chan session.PauseEvent, 16),
	}
}

// OnPaused hands the pause to the console goroutine.
func (c *console) OnPaused(ev session.PauseEvent) {
	c.pauses <- ev
}

// readLines delivers the lines of r until it ends or done is closed.
func readLines(r io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			select {
			case <-done:
				return
			default:
			}
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
	}()
	return lines
}

// run executes the strands of prog, one per function index, and serves
// pauses until every strand ends or the user quits. No strands means the
// entry function alone. When input ends the session is closed and the
// program runs on without pausing.
func (c *console) run(ctx context.Context, in <-chan string, strands []int, opts ...vm.Option) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(strands) == 0 {
		strands = []int{c.prog.Entry}
	}

	done := make(chan error, 1)
	go func() {
		done <- vm.RunAll(ctx, c.prog, strands, append(opts, vm.WithHook(c.ctrl))...)
	}()

	for {
		select {
		case ev := <-c.pauses:
			switch c.interact(ctx, ev, in) {
			case actionQuit:
				cancel()
				c.ctrl.Close()
				<-done
				c.st.info.Fprintln(c.out, "program stopped")
				return nil
			case actionDetach:
				c.ctrl.Close()
			}
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				c.st.err.Fprintf(c.out, "program failed: %v\n", err)
				return err
			}
			c.st.info.Fprintln(c.out, "program exited")
			return nil
		}
	}
}

func (c *console) interact(ctx context.Context, ev session.PauseEvent, in <-chan string) pauseAction {
	c.showPause(ev)
	for {
		c.st.prompt.Fprint(c.out, "(bcdebug) ")

		var line string
		select {
		case l, ok := <-in:
			if !ok {
				fmt.Fprintln(c.out)
				return actionDetach
			}
			line = l
		case <-ctx.Done():
			return actionQuit
		}

		cmd, err := parseCommand(line)
		if err != nil {
			c.st.err.Fprintln(c.out, err)
			continue
		}

		switch cmd.kind {
		case cmdEmpty:
		case cmdHelp:
			fmt.Fprint(c.out, consoleHelp)
		case cmdWhere:
			c.where()
		case cmdList:
			c.listBreakpoints()
		case cmdBreak:
			c.setBreakpoints(cmd.locs)
		case cmdClear:
			c.ctrl.ClearBreakpoints()
			c.st.info.Fprintln(c.out, "breakpoints cleared")
		case cmdQuit:
			return actionQuit
		default:
			if err := c.step(cmd.kind); err != nil {
				c.st.err.Fprintln(c.out, err)
				continue
			}
			return actionResume
		}
	}
}

func (c *console) step(kind commandKind) error {
	switch kind {
	case cmdStepIn:
		return c.ctrl.StepIn()
	case cmdStepOver:
		return c.ctrl.StepOver()
	case cmdStepOut:
		return c.ctrl.StepOut()
	default:
		return c.ctrl.Resume()
	}
}

func (c *console) describe(ev session.PauseEvent) string {
	fn := string(ev.ModuleID)
	if f, ok := c.prog.FunctionAt(ev.ModuleID, ev.IP); ok {
		fn = f.Name
	}
	return fmt.Sprintf("%s in %s (ip %d, depth %d)",
		c.st.location.Sprintf("%s:%d", ev.File, ev.Line), fn, ev.IP, ev.CallDepth)
}

func (c *console) showPause(ev session.PauseEvent) {
	fmt.Fprintf(c.out, "%s at %s\n", c.st.reason.Sprint(ev.Reason), c.describe(ev))
}

func (c *console) where() {
	snap, ok := c.ctrl.CurrentPauseSnapshot()
	if !ok {
		c.st.warn.Fprintln(c.out, "not paused")
		return
	}
	fmt.Fprintf(c.out, "%s\n", c.describe(snap))
}

func (c *console) setBreakpoints(locs []linetable.Location) {
	res := c.ctrl.MarkBreakpoints(locs)
	for _, loc := range res.Resolved {
		c.st.info.Fprintf(c.out, "breakpoint at %s\n", loc)
	}
	for _, loc := range res.Dropped {
		if lines := c.knownLines(loc.File); len(lines) > 0 {
			c.st.warn.Fprintf(c.out, "no code at %s (lines %s)\n", loc, strings.Join(lines, " "))
			continue
		}
		c.st.warn.Fprintf(c.out, "no code at %s\n", loc)
	}
}

// knownLines lists the lines of file that have code, across every module.
func (c *console) knownLines(file string) []string {
	seen := make(map[uint32]struct{})
	for _, id := range c.ctrl.Modules() {
		t, ok := c.ctrl.Table(id)
		if !ok {
			continue
		}
		for _, line := range t.Lines(file) {
			seen[line] = struct{}{}
		}
	}
	lines := slices.Sorted(maps.Keys(seen))
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = strconv.FormatUint(uint64(line), 10)
	}
	return out
}

func (c *console) listBreakpoints() {
	bps := c.ctrl.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(c.out, "no breakpoints")
		return
	}
	for _, loc := range bps {
		fmt.Fprintln(c.out, loc)
	}
}
