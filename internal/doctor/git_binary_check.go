package doctor

import (
	"fmt"
	"os/exec"
	"strings"
)

// GitBinaryCheck verifies that the git binary is installed and accessible
// in PATH. Work-item verification and worktree management shell out to git.
type GitBinaryCheck struct {
	BaseCheck
}

// NewGitBinaryCheck creates a new git binary availability check.
func NewGitBinaryCheck() *GitBinaryCheck {
	return &GitBinaryCheck{
		BaseCheck: BaseCheck{
			CheckName:        "git-binary",
			CheckDescription: "Check that git is installed and in PATH",
			CheckCategory:    CategoryInfrastructure,
		},
	}
}

// Run checks if git is available in PATH and reports its version.
func (c *GitBinaryCheck) Run(ctx *CheckContext) *CheckResult {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "git not found in PATH",
			Details: []string{
				"Work-item verification and worktrees need git",
			},
			FixHint: "Install git (apt install git / brew install git)",
		}
	}

	out, err := exec.Command(gitPath, "--version").CombinedOutput()
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("git found at %s but 'git --version' failed: %v", gitPath, err),
			Details: []string{strings.TrimSpace(string(out))},
			FixHint: "Reinstall git",
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: strings.TrimSpace(string(out)),
	}
}
