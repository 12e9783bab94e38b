// Package cmd is the telec command-line surface. Every subcommand is a
// thin client over the daemon's unix-socket RPC except `daemon run`,
// which hosts the daemon itself.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
)

// Version and Build are stamped by the release build; the defaults mark a
// source build.
var (
	Version = "0.1.0-dev"
	Build   = "unknown"
)

// Command group IDs, in help-listing order.
const (
	GroupServices = "services"
	GroupSessions = "sessions"
	GroupWork     = "work"
	GroupDiag     = "diag"
)

var rootCmd = &cobra.Command{
	Use:   "telec",
	Short: "TeleClaude: AI coding agents in tmux, driven from chat",
	Long: `TeleClaude runs AI coding agents (claude, codex, gemini) inside
persistent tmux sessions and bridges their terminals to chat channels.

A background daemon owns the sessions: it spawns agent panes, polls their
output, relays it to chat adapters and peer sessions, and walks work items
through the todo state machine. The telec CLI talks to that daemon over a
unix socket.

Start here:
  telec daemon start            # start the background daemon
  telec sessions start          # spawn an agent session
  telec sessions watch          # live TUI of all sessions
  telec doctor                  # check the installation`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServices, Title: "Daemon:"},
		&cobra.Group{ID: GroupSessions, Title: "Sessions:"},
		&cobra.Group{ID: GroupWork, Title: "Work items:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
		return 1
	}
	return 0
}

// requireSubcommand is the RunE for parent commands that only exist to
// group subcommands.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
}

// daemonClient returns an RPC client for the local daemon. The connection
// is per-call; no liveness check happens here.
func daemonClient() *protocol.Client {
	return protocol.NewClient(constants.SocketPath(constants.Home()), 0)
}

// daemonUnreachable rewraps a socket error with a hint, since the most
// common cause is simply that the daemon is not running.
func daemonUnreachable(err error) error {
	return fmt.Errorf("daemon unreachable: %v (is it running? try: telec daemon start)", err)
}
