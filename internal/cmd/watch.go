package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/tui/watch"
	"golang.org/x/term"
)

var sessionsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live TUI of all sessions",
	Long: `Watch the daemon's sessions in a live table.

The table refreshes over the daemon socket every couple of seconds and
shows id, agent, tier, role, state, age, and project for each session.

Keys:
  j/k, arrows    move the cursor
  enter          attach to the selected session's tmux pane
  x              end the selected session
  a              toggle closed sessions
  r              refresh now
  ?              full help
  q              quit

Examples:
  telec sessions watch`,
	RunE: runSessionsWatch,
}

func init() {
	sessionsCmd.AddCommand(sessionsWatchCmd)
}

func runSessionsWatch(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("watch needs a terminal; use 'telec sessions list' in scripts")
	}

	p := tea.NewProgram(watch.New(daemonClient()), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running watch TUI: %w", err)
	}
	return nil
}
