package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/devcycle"
)

// Exit codes distinguish the failures an agent usually branches on.
const (
	exitFailure     = 1
	exitTimedOut    = 2
	exitSlotBlocked = 3
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, devcycle.ErrTimedOut):
		return exitTimedOut
	case errors.Is(err, devcycle.ErrPreexistingNotStopped), errors.Is(err, devcycle.ErrNotConfirmed):
		return exitSlotBlocked
	default:
		return exitFailure
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func createRunCommand(sess *session) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full cycle and hold the server until stopped",
		Long: `Run a full cycle: stop stale instances, launch, wait for readiness, hold
the server for --hold (or until SIGINT/SIGTERM or POST /stop on --listen),
then stop it.

Examples:
  devcycle run --hold 15m
  devcycle run --listen 127.0.0.1:7070    # hold until POST /stop`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCycle(cmd.Context(), sess, *f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&f.Hold, "hold", 0, "how long to keep the ready server running (0 = until signal)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "serve status, logs, stop and metrics on this address while holding")
	return cmd
}

func runCycle(parent context.Context, sess *session, f RunFlags, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signalContext(parent)
	defer cancel()

	sup, err := sess.supervisor()
	if err != nil {
		return err
	}
	if err := devcycle.RegisterMetricsDefault(); err != nil {
		sess.logger.Warn("failed to register metrics", "error", err)
	}

	_, err = sup.Cycle(ctx, func(ctx context.Context, res devcycle.Result) error {
		_, _ = fmt.Fprintf(out, "ready: pid %d, %s (%d probes, %s)\n",
			res.Process.PID, sess.cfg.Health.URL, res.Probes, res.Elapsed.Round(time.Millisecond))
		return hold(ctx, sess, sup, f)
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "stopped")
	return nil
}

// hold blocks until the hold window elapses, the context ends or a stop
// request arrives over HTTP. Ending the hold is not an error.
func hold(ctx context.Context, sess *session, sup *devcycle.Supervisor, f RunFlags) error {
	var stopped <-chan struct{}
	if f.Listen != "" {
		srv, ch := devcycle.NewStatusServer(f.Listen, sess.cfg.Server.BasePath, sess.cfg.LogPath, sup, sess.logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		stopped = ch
		sess.logger.Info("status router listening", "addr", f.Listen)
	}
	var timeout <-chan time.Time
	if f.Hold > 0 {
		t := time.NewTimer(f.Hold)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		sess.logger.Info("hold interrupted", "reason", context.Cause(ctx))
	case <-timeout:
		sess.logger.Info("hold elapsed", "hold", f.Hold.String())
	case <-stopped:
		sess.logger.Info("stop requested over HTTP")
	}
	return nil
}

func createStartCommand(sess *session) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a fresh dev server and leave it running",
		Long: `Stop stale instances, launch the dev server detached and wait for
readiness. The server keeps running after devcycle exits; use "devcycle stop".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			sup, err := sess.supervisor()
			if err != nil {
				return err
			}
			res, err := sup.RunCycle(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", res.Process.PID)
			return nil
		},
	}
}

func createStopCommand(sess *session) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop every process matching the pattern",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ok, err := devcycle.Terminate(cmd.Context(), sess.cfg.Pattern, sess.cfg.Grace, f.Force, sess.logger)
			if err != nil {
				return err
			}
			if !ok {
				hint := ""
				if !f.Force {
					hint = " (retry with --force)"
				}
				return fmt.Errorf("%w: %q still matches%s", devcycle.ErrNotConfirmed, sess.cfg.Pattern, hint)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "send SIGKILL instead of SIGTERM")
	return cmd
}

func createStatusCommand(sess *session) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List running processes matching the pattern",
		RunE: func(cmd *cobra.Command, _ []string) error {
			matches, err := devcycle.FindMatches(cmd.Context(), sess.cfg.Pattern, sess.logger)
			if err != nil {
				return err
			}
			return printMatches(cmd.OutOrStdout(), matches, f.JSON)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print matches as JSON")
	return cmd
}

func printMatches(w io.Writer, matches []devcycle.Match, asJSON bool) error {
	if asJSON {
		if matches == nil {
			matches = []devcycle.Match{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(matches)
	}
	if len(matches) == 0 {
		_, err := fmt.Fprintln(w, "absent")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PID\tSTARTED\tCOMMAND")
	for _, m := range matches {
		started := "-"
		if !m.StartedAt.IsZero() {
			started = m.StartedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", m.PID, started, m.CommandLine)
	}
	return tw.Flush()
}

func createLogsCommand(sess *session) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the dev server log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.Lines <= 0 {
				return fmt.Errorf("-n must be positive")
			}
			lines, err := devcycle.TailLog(sess.cfg.LogPath, f.Lines)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				return nil
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return err
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 50, "number of lines to print")
	return cmd
}
