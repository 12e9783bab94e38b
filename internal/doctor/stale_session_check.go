package doctor

import (
	"fmt"
	"os"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/session"
)

// StaleSessionCheck compares the session store against live tmux panes and
// reports live records whose pane is gone. The daemon reconciles these on
// its next start; doctor only surfaces them.
type StaleSessionCheck struct {
	BaseCheck
	panes session.PaneLister
}

// NewStaleSessionCheck creates a stale session check backed by the given
// pane lister (normally the tmux bridge).
func NewStaleSessionCheck(panes session.PaneLister) *StaleSessionCheck {
	return &StaleSessionCheck{
		BaseCheck: BaseCheck{
			CheckName:        "stale-sessions",
			CheckDescription: "Check for session records whose pane is gone",
			CheckCategory:    CategoryDaemon,
		},
		panes: panes,
	}
}

// Run loads the store and cross-checks every live record.
func (c *StaleSessionCheck) Run(ctx *CheckContext) *CheckResult {
	storePath := constants.SessionStorePath(ctx.Home)
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: "no session store yet",
		}
	}

	registry := session.NewRegistry(storePath, constants.DefaultTombstoneRetention)
	if err := registry.Load(); err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("loading session store: %v", err),
		}
	}

	handles, err := c.panes.ListPanes()
	if err != nil {
		// No tmux server means no panes at all.
		handles = nil
	}
	alive := make(map[string]bool, len(handles))
	for _, h := range handles {
		alive[h] = true
	}

	var stale []string
	live := registry.List(session.Filter{})
	for _, sess := range live {
		if !alive[sess.TerminalHandle] {
			stale = append(stale, fmt.Sprintf("%s (%s)", sess.ID, sess.TerminalHandle))
		}
	}

	if len(stale) > 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: fmt.Sprintf("%d live records without a pane", len(stale)),
			Details: stale,
			FixHint: "Restart the daemon to reconcile: telec daemon stop && telec daemon start",
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: fmt.Sprintf("%d live sessions, all panes present", len(live)),
	}
}
