package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// attachToTmuxSession hands the terminal to a tmux session. Inside tmux it
// switches the client; outside it attaches. The Go process is replaced by
// tmux via exec so the terminal is controlled directly, with -u forcing
// UTF-8 regardless of locale.
func attachToTmuxSession(handle string) error {
	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}

	var args []string
	if os.Getenv("TMUX") != "" {
		args = []string{"tmux", "-u", "switch-client", "-t", handle}
	} else {
		args = []string{"tmux", "-u", "attach-session", "-t", handle}
	}

	return syscall.Exec(tmuxPath, args, os.Environ())
}
