package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// GlobalFlags override the matching config file fields when set.
type GlobalFlags struct {
	ConfigPath string
	Service    string
	Scope      string
	Backend    string
	LogLevel   string
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "peerdrivectl",
		Short:         "Supervise the peerdrive daemon through systemd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&gf.ConfigPath, "config", "", "path to config (.json, .yaml); defaults apply when empty")
	pf.StringVar(&gf.Service, "service", "", "unit to supervise (default peerdrived)")
	pf.StringVar(&gf.Scope, "scope", "", "systemd scope: user or system")
	pf.StringVar(&gf.Backend, "backend", "", "manager backend: dbus or systemctl")
	pf.StringVar(&gf.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		createStatusCommand(gf),
		createActionCommand(gf, "start", "Start the service"),
		createActionCommand(gf, "stop", "Stop the service"),
		createActionCommand(gf, "toggle", "Stop the service if active, start it otherwise"),
		createActionCommand(gf, "restart", "Restart the service"),
		createLogsCommand(gf),
		createFlagsCommand(gf),
		createUserConfCommand(gf),
		createServeCommand(gf),
	)
	return root
}
