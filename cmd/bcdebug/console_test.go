package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/debug/session"
	"github.com/dshills/bcdebug/internal/program"
	"github.com/dshills/bcdebug/internal/vm"
)

const doubleYAML = `
modules:
  - id: main
    file: main.bal
    functions:
      - name: main
        code:
          - {op: push, arg: 21, line: 1}
          - {op: call, target: util.double, line: 2}
          - {op: print, line: 3}
          - {op: ret}
  - id: util
    file: util.bal
    functions:
      - name: double
        code:
          - {op: dup, line: 5}
          - {op: add, line: 6}
          - {op: ret}
`

func loadDouble(t *testing.T) *vm.Program {
	t.Helper()
	prog, err := program.Parse("double", []byte(doubleYAML))
	require.NoError(t, err)
	return prog
}

func feed(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

// syncBuffer is shared by the console and every strand's output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runConsole(t *testing.T, ctrl *session.Controller, prog *vm.Program, in <-chan string, strands ...int) string {
	t.Helper()
	out := &syncBuffer{}
	c := newConsole(ctrl, prog, out, newStyles(false))
	ctrl.SetObserver(c)

	done := make(chan error, 1)
	go func() {
		done <- c.run(context.Background(), in, strands, vm.WithOutput(out))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "console did not finish")
	}
	return out.String()
}

func TestParseCommand(t *testing.T) {
	cases := map[string]commandKind{
		"":         cmdEmpty,
		"   ":      cmdEmpty,
		"c":        cmdContinue,
		"Continue": cmdContinue,
		"s":        cmdStepIn,
		"next":     cmdStepOver,
		"o":        cmdStepOut,
		"b":        cmdList,
		"clear":    cmdClear,
		"where":    cmdWhere,
		"?":        cmdHelp,
		"quit":     cmdQuit,
	}
	for line, want := range cases {
		cmd, err := parseCommand(line)
		require.NoError(t, err, line)
		assert.Equal(t, want, cmd.kind, line)
	}

	cmd, err := parseCommand("break main.bal:2 dir/util.bal:6")
	require.NoError(t, err)
	assert.Equal(t, cmdBreak, cmd.kind)
	assert.Equal(t, []linetable.Location{{File: "main.bal", Line: 2}, {File: "dir/util.bal", Line: 6}}, cmd.locs)

	_, err = parseCommand("fly")
	assert.ErrorIs(t, err, errUnknownCommand)
	_, err = parseCommand("b main.bal")
	assert.Error(t, err)
	_, err = parseCommand("c now")
	assert.Error(t, err)
}

func TestConsole_Session(t *testing.T) {
	prog := loadDouble(t)
	ctrl := session.New(session.WithStopOnEntry(true))
	defer ctrl.Close()
	require.NoError(t, program.Register(ctrl, prog))

	out := runConsole(t, ctrl, prog, feed(
		"where",
		"b util.bal:6 nowhere.bal:1",
		"bogus",
		"b",
		"c",
		"o",
		"where",
		"c",
	))

	assert.Contains(t, out, "entry at main.bal:1 in main.main")
	assert.Contains(t, out, "breakpoint at util.bal:6")
	assert.Contains(t, out, "no code at nowhere.bal:1")
	assert.Contains(t, out, "unknown command")
	assert.Contains(t, out, "breakpoint at util.bal:6 in util.double (ip 1, depth 2)")
	assert.Contains(t, out, "step at main.bal:3 in main.main")
	assert.Contains(t, out, "42\n")
	assert.Contains(t, out, "program exited")
}

func TestConsole_StepInAndClear(t *testing.T) {
	prog := loadDouble(t)
	ctrl := session.New()
	defer ctrl.Close()
	require.NoError(t, program.Register(ctrl, prog))
	ctrl.MarkBreakpoints([]linetable.Location{{File: "main.bal", Line: 2}})

	out := runConsole(t, ctrl, prog, feed("b main.bal:9", "s", "clear", "c"))

	assert.Contains(t, out, "breakpoint at main.bal:2")
	assert.Contains(t, out, "no code at main.bal:9 (lines 1 2 3)")
	assert.Contains(t, out, "step at util.bal:5 in util.double")
	assert.Contains(t, out, "breakpoints cleared")
	assert.Contains(t, out, "42\n")
	assert.Empty(t, ctrl.Breakpoints())
}

func TestConsole_EndOfInputDetaches(t *testing.T) {
	prog := loadDouble(t)
	ctrl := session.New(session.WithStopOnEntry(true))
	require.NoError(t, program.Register(ctrl, prog))
	ctrl.MarkBreakpoints([]linetable.Location{{File: "util.bal", Line: 5}})

	out := runConsole(t, ctrl, prog, feed())

	assert.True(t, ctrl.Closed())
	assert.Contains(t, out, "42\n")
	assert.Contains(t, out, "program exited")
	assert.NotContains(t, out, "util.bal:5")
}

func TestConsole_Quit(t *testing.T) {
	prog := loadDouble(t)
	ctrl := session.New(session.WithStopOnEntry(true))
	require.NoError(t, program.Register(ctrl, prog))

	out := runConsole(t, ctrl, prog, feed("help", "quit"))

	assert.Contains(t, out, "step out")
	assert.Contains(t, out, "program stopped")
	assert.NotContains(t, out, "42")
}

func TestConsole_TwoStrandsShareBreakpoints(t *testing.T) {
	prog := loadDouble(t)
	ctrl := session.New()
	defer ctrl.Close()
	require.NoError(t, program.Register(ctrl, prog))
	ctrl.MarkBreakpoints([]linetable.Location{{File: "util.bal", Line: 5}})

	out := runConsole(t, ctrl, prog, feed("c", "c"), prog.Entry, prog.Entry)

	assert.Equal(t, 2, strings.Count(out, "breakpoint at util.bal:5"), out)
	assert.Equal(t, 2, strings.Count(out, "42\n"), out)
	assert.Contains(t, out, "program exited")
}

func TestReadLines_StopsWhenDone(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan struct{})
	lines := readLines(pr, done)

	go func() { _, _ = pw.Write([]byte("a\n")) }()
	assert.Equal(t, "a", <-lines)

	close(done)
	// Nobody reads lines any more; the reader must still finish.
	_, err := pw.Write([]byte("b\n"))
	require.NoError(t, err)

	select {
	case line, ok := <-lines:
		assert.False(t, ok, "unexpected line %q", line)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "reader goroutine did not stop")
	}
}
