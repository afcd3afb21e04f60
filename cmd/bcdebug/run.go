package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/debug/session"
	"github.com/dshills/bcdebug/internal/program"
	"github.com/dshills/bcdebug/internal/script"
	"github.com/dshills/bcdebug/internal/vm"
)

var (
	runScript      string
	runStopOnEntry bool
	runBreaks      []string
	runSpawn       []string
)

var runCmd = &cobra.Command{
	Use:   "run <program.yaml>",
	Short: "Run a program under the debugger",
	Long: `Run a program under a debug session.

Without --script the session is driven from an interactive console that
reads commands whenever the program pauses. With --script a Lua script's
on_paused function decides what to do at each pause.

Each --spawn names a function that runs on its own strand next to the
entry function. Strands share breakpoints and stepping commands; a command
releases the strand that paused first.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runScript, "script", "", "Lua script that drives the session")
	runCmd.Flags().BoolVar(&runStopOnEntry, "stop-on-entry", false, "Pause before the first instruction")
	runCmd.Flags().StringArrayVarP(&runBreaks, "break", "b", nil, "Breakpoint as file:line (repeatable)")
	runCmd.Flags().StringArrayVar(&runSpawn, "spawn", nil, "Also run module.function on its own strand (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	prog, err := loadProgram(args[0])
	if err != nil {
		return err
	}

	enabled, err := colorEnabled(colorMode, outputFile(cmd))
	if err != nil {
		return err
	}
	st := newStyles(enabled)
	out := &syncWriter{w: cmd.OutOrStdout()}

	locs, err := runBreakpoints()
	if err != nil {
		return err
	}
	strands, err := runStrands(prog)
	if err != nil {
		return err
	}

	policy, err := cfg.DuplicatePolicy()
	if err != nil {
		return err
	}
	stopOnEntry := cfg.Session.StopOnEntry || runStopOnEntry

	ctrl := session.New(
		session.WithLogger(appLog.Logger),
		session.WithDuplicatePolicy(policy),
		session.WithStopOnEntry(stopOnEntry),
	)
	defer ctrl.Close()

	if err := program.Register(ctrl, prog); err != nil {
		for _, f := range program.Failures(err) {
			st.warn.Fprintf(cmd.ErrOrStderr(), "warning: debugging disabled: %v\n", f.Err)
		}
	}
	res := ctrl.MarkBreakpoints(locs)
	for _, loc := range res.Dropped {
		st.warn.Fprintf(cmd.ErrOrStderr(), "warning: no code at %s\n", loc)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scriptPath := runScript
	if scriptPath == "" {
		scriptPath = cfg.Script.Path
	}
	if scriptPath != "" {
		return runScripted(ctx, ctrl, prog, scriptPath, strands, out)
	}

	done := make(chan struct{})
	defer close(done)

	c := newConsole(ctrl, prog, out, st)
	ctrl.SetObserver(c)
	return c.run(ctx, readLines(cmd.InOrStdin(), done), strands, vm.WithOutput(out), vm.WithLogger(appLog.Logger))
}

// runStrands resolves the entry function and every --spawn function.
func runStrands(prog *vm.Program) ([]int, error) {
	strands := []int{prog.Entry}
	for _, name := range runSpawn {
		fn, ok := prog.Function(name)
		if !ok {
			return nil, fmt.Errorf("--spawn: unknown function %q", name)
		}
		strands = append(strands, fn)
	}
	return strands, nil
}

// runBreakpoints merges configured breakpoints with --break flags.
func runBreakpoints() ([]linetable.Location, error) {
	locs := append([]linetable.Location(nil), cfg.Breakpoints...)
	for _, raw := range runBreaks {
		loc, err := linetable.ParseLocation(raw)
		if err != nil {
			return nil, fmt.Errorf("--break: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func runScripted(ctx context.Context, ctrl *session.Controller, prog *vm.Program, path string, strands []int, out io.Writer) error {
	d := script.NewDriver(ctrl, script.WithLogger(appLog.Logger))
	defer d.Close()

	if err := d.LoadFile(path); err != nil {
		return err
	}
	ctrl.SetObserver(d)
	if err := d.Start(); err != nil {
		return err
	}

	err := vm.RunAll(ctx, prog, strands, vm.WithHook(ctrl), vm.WithOutput(out), vm.WithLogger(appLog.Logger))
	appLog.Info("script session finished", "pauses", d.Handled(), "failed", d.Failed())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncWriter serializes writes from the console and every strand.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
