package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/bcdebug/internal/dap"
	"github.com/dshills/bcdebug/internal/debug/session"
)

var dapListen string

var dapCmd = &cobra.Command{
	Use:   "dap <program.yaml>",
	Short: "Serve a program to a Debug Adapter Protocol client",
	Long: `Listen for Debug Adapter Protocol connections and debug the program for
each client. The program starts on configurationDone and the session ends
when the client disconnects.`,
	Args: cobra.ExactArgs(1),
	RunE: runDAP,
}

func init() {
	dapCmd.Flags().StringVar(&dapListen, "listen", "", "Listen address (overrides dap.listen in the config)")
}

func runDAP(cmd *cobra.Command, args []string) error {
	prog, err := loadProgram(args[0])
	if err != nil {
		return err
	}

	policy, err := cfg.DuplicatePolicy()
	if err != nil {
		return err
	}

	addr := cfg.DAP.Listen
	if cmd.Flags().Changed("listen") {
		addr = dapListen
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dap listen: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "DAP server listening on %s\n", ln.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := dap.NewServer(prog,
		dap.WithLogger(appLog.Logger),
		dap.WithSessionOptions(
			session.WithDuplicatePolicy(policy),
			session.WithStopOnEntry(cfg.Session.StopOnEntry),
		),
		dap.WithBreakpoints(cfg.Breakpoints),
	)
	return srv.ServeListener(ctx, ln)
}
