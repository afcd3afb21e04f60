package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dshills/bcdebug/internal/config"
	"github.com/dshills/bcdebug/internal/logger"
	"github.com/dshills/bcdebug/internal/program"
	"github.com/dshills/bcdebug/internal/vm"
)

var (
	configPath string
	logLevel   string
	colorMode  string

	cfg    = config.Default()
	appLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bcdebug",
	Short: "Source-level debugger for bcdebug programs",
	Long: `bcdebug runs programs for the bcdebug stack interpreter under a debug
session: breakpoints by file and line, step in, step over and step out.

Programs are YAML files listing modules, functions and instructions with
their source lines. A session can be driven from an interactive console,
a Lua script or a Debug Adapter Protocol client.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if appLog != nil {
			appLog.Flush()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error or a verbosity number")
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", "auto", "Color output: auto, always, never")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(linesCmd)
	rootCmd.AddCommand(dapCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		loaded.Log.Level = logLevel
	}
	cfg = loaded

	appLog = logger.New("bcdebug")
	if err := appLog.SetLevelString(cfg.Log.Level); err != nil {
		return err
	}
	appLog.V(1).Info("configuration loaded", "path", configPath, "level", cfg.Log.Level)
	return nil
}

func colorEnabled(mode string, f *os.File) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto":
		return !color.NoColor && f != nil && term.IsTerminal(int(f.Fd())), nil
	default:
		return false, fmt.Errorf("invalid --color %q (must be auto, always or never)", mode)
	}
}

// outputFile returns the command's stdout as a file when it is one.
func outputFile(cmd *cobra.Command) *os.File {
	f, _ := cmd.OutOrStdout().(*os.File)
	return f
}

func loadProgram(path string) (*vm.Program, error) {
	prog, err := program.LoadFile(path)
	if err != nil {
		return nil, err
	}
	appLog.V(1).Info("program loaded", "path", path, "modules", len(prog.Modules), "functions", len(prog.Functions))
	return prog, nil
}
