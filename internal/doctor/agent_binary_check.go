package doctor

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/teleclaude/teleclaude/internal/agent"
)

// AgentBinaryCheck verifies that at least one agent CLI is installed.
// Missing agents degrade to fallback dispatch; no agents at all means the
// daemon can only run shell sessions.
type AgentBinaryCheck struct {
	BaseCheck
}

// NewAgentBinaryCheck creates a new agent CLI availability check.
func NewAgentBinaryCheck() *AgentBinaryCheck {
	return &AgentBinaryCheck{
		BaseCheck: BaseCheck{
			CheckName:        "agent-binaries",
			CheckDescription: "Check which agent CLIs are installed",
			CheckCategory:    CategoryInfrastructure,
		},
	}
}

// Run probes each dispatchable agent kind's CLI in PATH.
func (c *AgentBinaryCheck) Run(ctx *CheckContext) *CheckResult {
	var found, missing []string
	for _, kind := range agent.DispatchableKinds() {
		spec, err := agent.Launch(kind, agent.TierMedium)
		if err != nil {
			continue
		}
		if _, err := exec.LookPath(spec.Command); err != nil {
			missing = append(missing, spec.Command)
			continue
		}
		found = append(found, spec.Command)
	}

	if len(found) == 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "no agent CLIs found in PATH",
			Details: []string{
				"Looked for: " + strings.Join(missing, ", "),
				"Without an agent CLI only shell sessions can run",
			},
			FixHint: "Install at least one of: " + strings.Join(missing, ", "),
		}
	}

	if len(missing) > 0 {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: fmt.Sprintf("%s available, %s missing", strings.Join(found, ", "), strings.Join(missing, ", ")),
			Details: []string{
				"Dispatch falls back across installed agents only",
			},
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: strings.Join(found, ", "),
	}
}
