package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bcdebug/internal/config"
	"github.com/dshills/bcdebug/internal/debug/linetable"
)

func TestPrintLines(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printLines(&out, loadDouble(t), linetable.LastWins))

	got := out.String()
	assert.Contains(t, got, "module main (4 instructions, 3 lines)")
	assert.Contains(t, got, "module util (3 instructions, 2 lines)")
	assert.Contains(t, got, "main.bal:3")
	assert.Contains(t, got, "util.double")
	assert.Less(t, strings.Index(got, "module main"), strings.Index(got, "module util"))
}

func TestColorEnabled(t *testing.T) {
	on, err := colorEnabled("always", nil)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = colorEnabled("never", os.Stdout)
	require.NoError(t, err)
	assert.False(t, on)

	on, err = colorEnabled("auto", nil)
	require.NoError(t, err)
	assert.False(t, on)

	_, err = colorEnabled("sometimes", nil)
	assert.Error(t, err)
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)

	require.NoError(t, runVersion(versionCmd, nil))
	assert.Contains(t, out.String(), "bcdebug dev")
	assert.Contains(t, out.String(), "OS/Arch:")
}

func TestRunBreakpoints(t *testing.T) {
	saved, savedBreaks := cfg, runBreaks
	defer func() { cfg, runBreaks = saved, savedBreaks }()

	cfg = config.Default()
	cfg.Breakpoints = []linetable.Location{{File: "main.bal", Line: 1}}
	runBreaks = []string{"util.bal:6"}

	locs, err := runBreakpoints()
	require.NoError(t, err)
	assert.Equal(t, []linetable.Location{{File: "main.bal", Line: 1}, {File: "util.bal", Line: 6}}, locs)

	runBreaks = []string{"util.bal"}
	_, err = runBreakpoints()
	assert.Error(t, err)
}

const codelessModuleYAML = `
modules:
  - id: main
    file: main.bal
    functions:
      - name: main
        code:
          - {op: push, arg: 7, line: 1}
          - {op: print, line: 2}
          - {op: ret}
      - name: other
        code:
          - {op: push, arg: 5, line: 10}
          - {op: print}
          - {op: ret}
  - id: empty
`

// execute runs the root command on a program file with empty stdin and
// returns stdout and stderr.
func execute(t *testing.T, src string, args ...string) (string, string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	savedBreaks, savedSpawn := runBreaks, runSpawn
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append(append([]string{"--log-level", "error"}, args...), path))
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
		runBreaks, runSpawn = savedBreaks, savedSpawn
	}()

	err := Execute()
	return out.String(), errOut.String(), err
}

func TestRun_CodelessModuleOnlyLosesDebugging(t *testing.T) {
	out, errOut, err := execute(t, codelessModuleYAML, "run", "--break", "main.bal:2")
	require.NoError(t, err)

	assert.Contains(t, out, "7\n")
	assert.Contains(t, out, "program exited")
	assert.Contains(t, errOut, "debugging disabled")
	assert.Equal(t, 1, strings.Count(errOut, "module empty"), errOut)
}

func TestRun_SpawnRunsExtraStrands(t *testing.T) {
	out, _, err := execute(t, codelessModuleYAML, "run", "--spawn", "main.other")
	require.NoError(t, err)
	assert.Contains(t, out, "7\n")
	assert.Contains(t, out, "5\n")

	_, _, err = execute(t, codelessModuleYAML, "run", "--spawn", "main.nope")
	assert.ErrorContains(t, err, "main.nope")
}

func TestLines_CodelessModule(t *testing.T) {
	out, _, err := execute(t, codelessModuleYAML, "lines")
	require.NoError(t, err)
	assert.Contains(t, out, "module main (6 instructions, 3 lines)")
	assert.Contains(t, out, "no line table: build line table: module empty")
}

func TestRootCommand_Lines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "double.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doubleYAML), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--log-level", "error", "lines", path})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "module util")
}
