package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"peerdrivectl/internal/daemon"
	"peerdrivectl/internal/userconf"
	logx "peerdrivectl/pkg/logx"
	sm "peerdrivectl/pkg/systemdmanager"
)

// detailer is implemented by the D-Bus backend only.
type detailer interface {
	GetStatusContext(ctx context.Context, name string) (*sm.ServiceStatus, error)
}

type statusFlags struct {
	Detail bool
	JSON   bool
}

type statusView struct {
	Service   string `json:"service"`
	Status    string `json:"status"`
	Class     string `json:"class"`
	SubState  string `json:"sub_state,omitempty"`
	LoadState string `json:"load_state,omitempty"`
	Since     string `json:"since,omitempty"`
}

func createStatusCommand(gf *GlobalFlags) *cobra.Command {
	var sf statusFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				return runStatus(ctx, cmd.OutOrStdout(), e, sf)
			})
		},
	}
	cmd.Flags().BoolVar(&sf.Detail, "detail", false, "include unit sub-state and timestamps (D-Bus backend)")
	cmd.Flags().BoolVar(&sf.JSON, "json", false, "print JSON")
	return cmd
}

func runStatus(ctx context.Context, w io.Writer, e *env, sf statusFlags) error {
	st := e.ctl.Refresh(ctx)
	v := statusView{Service: e.ctl.Service(), Status: string(st), Class: string(st.Class())}
	if sf.Detail {
		if d, ok := e.mgr.(detailer); ok {
			full, err := d.GetStatusContext(ctx, e.ctl.Service())
			if err != nil {
				e.log.Debug("detailed status unavailable", logx.Err(err))
			} else {
				v.SubState = full.SubState
				v.LoadState = full.LoadState
				if !full.StateChange.IsZero() {
					v.Since = full.StateChange.Format(time.RFC3339)
				}
			}
		}
	}
	return printStatus(w, v, sf.JSON)
}

func printStatus(w io.Writer, v statusView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	line := fmt.Sprintf("%s: %s (%s)", v.Service, v.Status, v.Class)
	if v.SubState != "" {
		line += fmt.Sprintf(" sub=%s load=%s", v.SubState, v.LoadState)
	}
	if v.Since != "" {
		line += " since " + v.Since
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

type actionFlags struct {
	NoWait bool
}

func createActionCommand(gf *GlobalFlags, verb, short string) *cobra.Command {
	var af actionFlags
	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				return runAction(ctx, cmd.OutOrStdout(), e, verb, af)
			})
		},
	}
	cmd.Flags().BoolVar(&af.NoWait, "no-wait", false, "return once systemd accepted the job")
	return cmd
}

func runAction(ctx context.Context, w io.Writer, e *env, verb string, af actionFlags) error {
	ctl := e.ctl
	// Toggle decides from the cached status, so make sure there is one.
	before := ctl.Refresh(ctx)

	var err error
	switch verb {
	case "start":
		err = ctl.Start(ctx)
	case "stop":
		err = ctl.Stop(ctx)
	case "restart":
		err = ctl.Restart(ctx)
	case "toggle":
		err = ctl.Toggle(ctx)
		verb = "stop"
		if !before.IsActive() {
			verb = "start"
		}
	default:
		return fmt.Errorf("unknown action %q", verb)
	}

	cause := err
	var ae *daemon.ActionError
	if errors.As(err, &ae) {
		cause = ae.Err
	}
	_, _ = fmt.Fprintln(w, sm.FormatActionResult(ctl.Service(), verb, cause))
	if err != nil {
		return err
	}
	if af.NoWait {
		return nil
	}
	if err := ctl.WaitSettled(ctx); err != nil {
		return err
	}
	st := ctl.Status()
	return printStatus(w, statusView{Service: ctl.Service(), Status: string(st), Class: string(st.Class())}, false)
}

type logsFlags struct {
	Follow bool
	Idle   time.Duration
}

func createLogsCommand(gf *GlobalFlags) *cobra.Command {
	var lf logsFlags
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the service journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				return runLogs(ctx, cmd.OutOrStdout(), e.ctl.Logs(), lf)
			})
		},
	}
	cmd.Flags().BoolVarP(&lf.Follow, "follow", "f", false, "keep printing new lines until interrupted")
	cmd.Flags().DurationVar(&lf.Idle, "idle", 500*time.Millisecond, "without --follow, stop after this long with no new line")
	return cmd
}

func runLogs(ctx context.Context, w io.Writer, ls *daemon.LogStream, lf logsFlags) error {
	if err := ls.Start(ctx); err != nil {
		return err
	}
	defer ls.Stop(context.WithoutCancel(ctx))
	backlog, lines, cancel := ls.Tail(256)
	defer cancel()
	for _, line := range backlog {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	var idle <-chan time.Time
	var timer *time.Timer
	if !lf.Follow {
		timer = time.NewTimer(lf.Idle)
		defer timer.Stop()
		idle = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
			if timer != nil {
				timer.Reset(lf.Idle)
			}
		}
	}
}

func createFlagsCommand(gf *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Read or replace the daemon startup flags",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current startup flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				flags, err := e.flags.Load(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), flags)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set [-- flags...]",
		Short: "Replace the startup flags (an empty list clears them)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				if err := e.flags.Save(ctx, strings.Join(args, " ")); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), daemon.RestartNotice)
				return err
			})
		},
	})
	return cmd
}

type userConfFlags struct {
	NodeID     string
	TCPPort    uint16
	HTTPPort   uint16
	Relay      string
	NoRelay    bool
	Blockstore string
}

func createUserConfCommand(gf *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "userconf",
		Short: "Show or edit the daemon user configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the user configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				cfg, err := e.user.Read(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			})
		},
	})

	var uf userConfFlags
	set := &cobra.Command{
		Use:   "set",
		Short: "Update fields of the user configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{}, func(ctx context.Context, e *env) error {
				cfg, err := e.user.Read(ctx)
				if err != nil {
					return err
				}
				if err := applyUserConfFlags(&cfg, cmd, uf); err != nil {
					return err
				}
				if err := e.user.Write(ctx, cfg); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), daemon.RestartNotice)
				return err
			})
		},
	}
	f := set.Flags()
	f.StringVar(&uf.NodeID, "node-id", "", "node id as 64 hex characters")
	f.Uint16Var(&uf.TCPPort, "tcp-port", 0, "peer TCP port")
	f.Uint16Var(&uf.HTTPPort, "http-port", 0, "local HTTP port")
	f.StringVar(&uf.Relay, "relay", "", "relay address")
	f.BoolVar(&uf.NoRelay, "no-relay", false, "remove the relay address")
	f.StringVar(&uf.Blockstore, "blockstore", "", "blockstore directory")
	cmd.AddCommand(set)
	return cmd
}

// applyUserConfFlags copies only the flags the user actually passed.
func applyUserConfFlags(cfg *userconf.Config, cmd *cobra.Command, uf userConfFlags) error {
	f := cmd.Flags()
	if f.Changed("node-id") {
		if err := cfg.SetNodeIDHex(uf.NodeID); err != nil {
			return err
		}
	}
	if f.Changed("tcp-port") {
		cfg.TCPPort = uf.TCPPort
	}
	if f.Changed("http-port") {
		cfg.HTTPPort = uf.HTTPPort
	}
	if f.Changed("blockstore") {
		cfg.BlockstorePath = uf.Blockstore
	}
	switch {
	case uf.NoRelay && f.Changed("relay"):
		return errors.New("--relay and --no-relay are mutually exclusive")
	case uf.NoRelay:
		cfg.Relay = nil
	case f.Changed("relay"):
		relay := uf.Relay
		cfg.Relay = &relay
	}
	return nil
}
