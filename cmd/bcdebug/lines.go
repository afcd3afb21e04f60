package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/debug/session"
	"github.com/dshills/bcdebug/internal/program"
	"github.com/dshills/bcdebug/internal/vm"
)

var linesCmd = &cobra.Command{
	Use:   "lines <program.yaml>",
	Short: "Print the line table of every module",
	Args:  cobra.ExactArgs(1),
	RunE:  runLines,
}

func runLines(cmd *cobra.Command, args []string) error {
	prog, err := loadProgram(args[0])
	if err != nil {
		return err
	}
	policy, err := cfg.DuplicatePolicy()
	if err != nil {
		return err
	}
	return printLines(cmd.OutOrStdout(), prog, policy)
}

// printLines writes each module's intervals. Modules without a line table
// are listed last.
func printLines(w io.Writer, prog *vm.Program, policy linetable.DuplicatePolicy) error {
	ctrl := session.New(session.WithDuplicatePolicy(policy))
	defer ctrl.Close()

	failed := program.Failures(program.Register(ctrl, prog))

	for _, id := range ctrl.Modules() {
		t, _ := ctrl.Table(id)
		fmt.Fprintf(w, "module %s (%d instructions, %d lines)\n", id, t.InstructionCount(), t.Len())
		for i, iv := range t.Intervals() {
			loc, _ := t.Location(linetable.IntervalID(i))
			if iv.Len() == 0 {
				fmt.Fprintf(w, "  %6s        %s (shadowed)\n", "-", loc)
				continue
			}
			fn := ""
			if f, ok := prog.FunctionAt(id, iv.Start); ok {
				fn = "  " + f.Name
			}
			fmt.Fprintf(w, "  %6d-%-6d %s%s\n", iv.Start, iv.End-1, loc, fn)
		}
	}
	for _, f := range failed {
		fmt.Fprintf(w, "no line table: %v\n", f.Err)
	}
	return nil
}
