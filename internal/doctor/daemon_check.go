package doctor

import (
	"fmt"
	"time"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/daemon"
	"github.com/teleclaude/teleclaude/internal/protocol"
)

// daemonPingTimeout bounds the socket probe so doctor stays snappy.
const daemonPingTimeout = 2 * time.Second

// DaemonCheck reports whether the daemon is running and answers on its
// socket. A stopped daemon is a warning, not an error.
type DaemonCheck struct {
	BaseCheck
}

// NewDaemonCheck creates a new daemon liveness check.
func NewDaemonCheck() *DaemonCheck {
	return &DaemonCheck{
		BaseCheck: BaseCheck{
			CheckName:        "daemon",
			CheckDescription: "Check the daemon is running and responding",
			CheckCategory:    CategoryDaemon,
		},
	}
}

// Run probes the PID file, then the control socket.
func (c *DaemonCheck) Run(ctx *CheckContext) *CheckResult {
	running, pid, err := daemon.IsRunning(ctx.Home)
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("checking daemon: %v", err),
		}
	}
	if !running {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "not running",
			FixHint: "Start it: telec daemon start",
		}
	}

	client := protocol.NewClient(constants.SocketPath(ctx.Home), daemonPingTimeout)
	res, err := client.Ping()
	if err != nil {
		return &CheckResult{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("process %d alive but socket unresponsive: %v", pid, err),
			FixHint: "Restart it: telec daemon stop && telec daemon start",
		}
	}

	return &CheckResult{
		Name:    c.Name(),
		Status:  StatusOK,
		Message: fmt.Sprintf("v%s pid %d, up %s", res.Version, res.PID, time.Since(res.Started).Round(time.Second)),
	}
}
