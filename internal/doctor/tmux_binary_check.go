package doctor

import (
	"fmt"
	"os/exec"
	"strings"
)

// TmuxBinaryCheck verifies that the tmux binary is installed and accessible
// in PATH. Every session TeleClaude runs lives in a tmux pane.
type TmuxBinaryCheck struct {
	BaseCheck
}

// NewTmuxBinaryCheck creates a new tmux binary availability check.
func NewTmuxBinaryCheck() *TmuxBinaryCheck {
	return &TmuxBinaryCheck{
		BaseCheck: BaseCheck{
			CheckName:        "tmux-binary",
			CheckDescription: "Check that tmux is installed and in PATH",
			CheckCategory:    CategoryInfrastructure,
		},
	}
}

// Run checks if tmux is available in PATH and reports its version.
func (c *TmuxBinaryCheck) Run(ctx *CheckContext) *CheckResult {
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "tmux not found in PATH",
			Details: []string{
				"Every agent session runs inside a tmux pane",
			},
			FixHint: "Install tmux (apt install tmux / brew install tmux)",
		}
	}

	out, err := exec.Command(tmuxPath, "-V").CombinedOutput()
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("tmux found at %s but 'tmux -V' failed: %v", tmuxPath, err),
			Details: []string{strings.TrimSpace(string(out))},
			FixHint: "Reinstall tmux",
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: strings.TrimSpace(string(out)),
	}
}
