package doctor

import (
	"fmt"
	"os"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/constants"
)

// ConfigCheck verifies config.toml parses and validates. A missing file is
// fine; the daemon runs on defaults.
type ConfigCheck struct {
	BaseCheck
}

// NewConfigCheck creates a new settings file check.
func NewConfigCheck() *ConfigCheck {
	return &ConfigCheck{
		BaseCheck: BaseCheck{
			CheckName:        "config",
			CheckDescription: "Check config.toml parses and validates",
			CheckCategory:    CategoryCore,
		},
	}
}

// Run loads the config the same way the daemon does.
func (c *ConfigCheck) Run(ctx *CheckContext) *CheckResult {
	path := constants.ConfigPath(ctx.Home)
	if _, err := config.Load(ctx.Home); err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: err.Error(),
			FixHint: fmt.Sprintf("Fix or remove %s", path),
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusOK,
			Message: "no config.toml, using defaults",
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: path,
	}
}
