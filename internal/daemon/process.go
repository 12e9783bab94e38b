package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// stopGrace is how long StopDaemon waits after SIGTERM before escalating.
const stopGrace = 5 * time.Second

// IsRunning reports whether a daemon owns the home's PID file. A stale file
// whose process is gone gets cleaned up on the way.
func IsRunning(home string) (bool, int, error) {
	pidFile := constants.PIDPath(home)
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	// FindProcess always succeeds on Unix; signal 0 probes liveness.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidFile)
		return false, 0, nil
	}
	return true, pid, nil
}

// StopDaemon terminates the home's daemon: SIGTERM, a bounded wait for a
// clean exit, then SIGKILL.
func StopDaemon(home string) error {
	running, pid, err := IsRunning(home)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			_ = os.Remove(constants.PIDPath(home))
			return nil
		}
		time.Sleep(constants.WaitPollInterval)
	}
	_ = process.Signal(syscall.SIGKILL)
	_ = os.Remove(constants.PIDPath(home))
	return nil
}
