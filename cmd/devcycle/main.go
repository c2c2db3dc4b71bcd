package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root, cleanup := buildRoot()
	err := root.Execute()
	cleanup()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// buildRoot creates the root command and its subcommands. The returned
// function releases what the command opened (log file, history sink).
func buildRoot() (*cobra.Command, func()) {
	sess := &session{}
	root := createRootCommand(sess)
	root.AddCommand(
		createRunCommand(sess),
		createStartCommand(sess),
		createStopCommand(sess),
		createStatusCommand(sess),
		createLogsCommand(sess),
	)
	return root, sess.close
}

// createRootCommand creates the root command with the persistent flags
// shared by every subcommand.
func createRootCommand(sess *session) *cobra.Command {
	root := &cobra.Command{
		Use:   "devcycle",
		Short: "Development server lifecycle supervisor",
		Long: `devcycle owns a single development server slot: it stops any stale
instance, launches a fresh one in the background, waits until it answers
HTTP and stops it again afterward.

Examples:
  devcycle run --hold 10m                       # full cycle, stop after 10 minutes or Ctrl-C
  devcycle start --url http://localhost:5173    # leave a ready server running
  devcycle status
  devcycle logs -n 100
  devcycle stop --force`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return sess.open(cmd)
		},
	}
	bindGlobalFlags(root, &sess.flags)
	return root
}
