package doctor

import (
	"fmt"
	"os"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// HomeCheck verifies the TeleClaude home directory exists and is writable.
// Fixable: creates the directory tree.
type HomeCheck struct {
	FixableCheck
}

// NewHomeCheck creates a new home directory layout check.
func NewHomeCheck() *HomeCheck {
	return &HomeCheck{
		FixableCheck: FixableCheck{
			BaseCheck: BaseCheck{
				CheckName:        "home-directory",
				CheckDescription: "Check the TeleClaude home directory exists and is writable",
				CheckCategory:    CategoryCore,
			},
		},
	}
}

// Run checks the home directory and the transcripts subdirectory.
func (c *HomeCheck) Run(ctx *CheckContext) *CheckResult {
	info, err := os.Stat(ctx.Home)
	if os.IsNotExist(err) {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s does not exist", ctx.Home),
			FixHint: "Run telec doctor --fix, or start the daemon once",
		}
	}
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("stat %s: %v", ctx.Home, err),
		}
	}
	if !info.IsDir() {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("%s exists but is not a directory", ctx.Home),
		}
	}

	// Probe writability the direct way.
	probe, err := os.CreateTemp(ctx.Home, ".doctor-*")
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("%s is not writable: %v", ctx.Home, err),
		}
	}
	probe.Close()
	os.Remove(probe.Name())

	if _, err := os.Stat(constants.TranscriptsDir(ctx.Home)); os.IsNotExist(err) {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "transcripts directory missing",
			FixHint: "Run telec doctor --fix",
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: ctx.Home,
	}
}

// Fix creates the home directory tree.
func (c *HomeCheck) Fix(ctx *CheckContext) error {
	return os.MkdirAll(constants.TranscriptsDir(ctx.Home), 0o755)
}
