// Package tmux wraps the tmux command-line tool for TeleClaude session
// management. It is the exclusive mediator for all interaction with the
// multiplexer: creating and killing named panes, injecting keystrokes, and
// capturing pane text.
//
// Operations on a single pane are serialized; operations across panes run
// concurrently. Nothing outside this package shells out to tmux.
package tmux

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// Sentinel errors mapped from tmux stderr patterns.
var (
	// ErrUnavailable means the tmux binary or server cannot be reached.
	ErrUnavailable = errors.New("multiplexer unavailable")
	// ErrPaneExists means CreatePane was asked for a name already in use.
	ErrPaneExists = errors.New("pane already exists")
	// ErrPaneNotFound means the named pane does not exist.
	ErrPaneNotFound = errors.New("pane not found")
)

// maxAttempts bounds retries of transient server glitches.
const maxAttempts = 3

// Bridge runs tmux commands against the default server.
type Bridge struct {
	bin        string
	debounceMs int

	// paneLocks serializes operations per pane handle.
	paneLocks sync.Map // handle -> *sync.Mutex
}

// New creates a Bridge with default settings.
func New() *Bridge {
	return &Bridge{bin: "tmux", debounceMs: constants.DefaultDebounceMs}
}

// lockPane returns the mutex for a handle, creating it on first use.
func (b *Bridge) lockPane(handle string) *sync.Mutex {
	mu, _ := b.paneLocks.LoadOrStore(handle, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// run executes a tmux command and returns trimmed stdout.
func (b *Bridge) run(args ...string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		cmd := exec.Command(b.bin, args...)
		var stdout, stderr strings.Builder
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return strings.TrimRight(stdout.String(), "\n"), nil
		}
		lastErr = b.wrapError(err, stderr.String())
		// Only server-level glitches are worth retrying; pane-level
		// failures are definitive.
		if !errors.Is(lastErr, ErrUnavailable) {
			return "", lastErr
		}
	}
	return "", lastErr
}

// wrapError maps tmux stderr text to sentinel errors.
func (b *Bridge) wrapError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "duplicate session"):
		return fmt.Errorf("%w: %s", ErrPaneExists, msg)
	case strings.Contains(msg, "session not found"),
		strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "can't find pane"),
		strings.Contains(msg, "no such session"):
		return fmt.Errorf("%w: %s", ErrPaneNotFound, msg)
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"):
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("%w: tmux binary not found", ErrUnavailable)
	}
	if msg == "" {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("tmux: %s", msg)
}

// ExitMarker returns the sentinel string echoed after a command in the
// given pane. The poller treats its appearance as a normal exit.
func ExitMarker(handle string) string {
	return constants.ExitMarkerPrefix + handle
}

// exitMarkerSuffix is the shell fragment appended to a command so the
// marker (with the command's status) prints when it finishes. "$?" only
// expands in the output line, so the echoed command text never matches the
// poller's marker regex.
func exitMarkerSuffix(handle string) string {
	return fmt.Sprintf(`; echo "%s rc=$?"`, ExitMarker(handle))
}

// CreatePane creates a detached session named handle running shell (or the
// default shell when empty) in cwd. Fails with ErrPaneExists if the name is
// taken.
func (b *Bridge) CreatePane(handle, shell, cwd string) error {
	mu := b.lockPane(handle)
	mu.Lock()
	defer mu.Unlock()

	args := []string{"new-session", "-d", "-s", handle}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if shell != "" {
		args = append(args, shell)
	}
	_, err := b.run(args...)
	return err
}

// SendInput writes text to the pane followed by Enter. Text is sent in
// literal mode so tmux key names inside it are not interpreted. With
// appendExitMarker set, a sentinel echo is chained after the command so the
// poller can detect the command boundary.
//
// The pause between the literal text and Enter lets TUI agents finish
// rendering the pasted input before it is submitted.
func (b *Bridge) SendInput(handle, text string, appendExitMarker bool) error {
	mu := b.lockPane(handle)
	mu.Lock()
	defer mu.Unlock()

	if appendExitMarker {
		text += exitMarkerSuffix(handle)
	}

	if _, err := b.run("send-keys", "-t", "="+handle, "-l", text); err != nil {
		return err
	}
	time.Sleep(time.Duration(b.debounceMs) * time.Millisecond)
	_, err := b.run("send-keys", "-t", "="+handle, "Enter")
	return err
}

// Capture returns the pane's full scrollback-bounded text.
func (b *Bridge) Capture(handle string) (string, error) {
	mu := b.lockPane(handle)
	mu.Lock()
	defer mu.Unlock()

	return b.run("capture-pane", "-p", "-t", "="+handle, "-S", "-")
}

// Destroy kills the pane. Destroying an absent pane is not an error.
func (b *Bridge) Destroy(handle string) error {
	mu := b.lockPane(handle)
	mu.Lock()
	defer mu.Unlock()

	_, err := b.run("kill-session", "-t", "="+handle)
	if err != nil && errors.Is(err, ErrPaneNotFound) {
		return nil
	}
	if err != nil && errors.Is(err, ErrUnavailable) {
		// No server means no panes to kill.
		return nil
	}
	return err
}

// HasPane reports whether a pane with the exact handle exists.
func (b *Bridge) HasPane(handle string) (bool, error) {
	// "=" forces exact match (no prefix matching).
	_, err := b.run("has-session", "-t", "="+handle)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrPaneNotFound) || errors.Is(err, ErrUnavailable) {
		return false, nil
	}
	return false, err
}

// ListPanes returns the handles of all live TeleClaude panes.
func (b *Bridge) ListPanes() ([]string, error) {
	out, err := b.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	var handles []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if strings.HasPrefix(name, constants.SessionPrefix) {
			handles = append(handles, name)
		}
	}
	return handles, nil
}

// CurrentCommand returns the command running in the pane's active process
// slot (e.g. "claude", "zsh").
func (b *Bridge) CurrentCommand(handle string) (string, error) {
	return b.run("display-message", "-p", "-t", "="+handle, "#{pane_current_command}")
}

// AtShellPrompt reports whether the pane's foreground process is a plain
// shell, meaning any agent command has exited.
func (b *Bridge) AtShellPrompt(handle string) (bool, error) {
	cmd, err := b.CurrentCommand(handle)
	if err != nil {
		return false, err
	}
	cmd = strings.TrimSpace(cmd)
	for _, shell := range constants.SupportedShells {
		if cmd == shell {
			return true, nil
		}
	}
	return false, nil
}

// PaneDead reports whether the pane exists but its process has died
// (remain-on-exit zombie).
func (b *Bridge) PaneDead(handle string) (bool, error) {
	out, err := b.run("display-message", "-p", "-t", "="+handle, "#{pane_dead}")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "1", nil
}

// Interrupt sends Ctrl-C to the pane without touching its input buffer.
func (b *Bridge) Interrupt(handle string) error {
	mu := b.lockPane(handle)
	mu.Lock()
	defer mu.Unlock()

	_, err := b.run("send-keys", "-t", "="+handle, "C-c")
	return err
}

// EnsureFresh kills a zombie pane (exists but its process is dead) so the
// handle can be reused. Returns true if a zombie was cleared.
func (b *Bridge) EnsureFresh(handle string) (bool, error) {
	exists, err := b.HasPane(handle)
	if err != nil || !exists {
		return false, err
	}
	dead, err := b.PaneDead(handle)
	if err != nil {
		return false, err
	}
	if !dead {
		return false, nil
	}
	if err := b.Destroy(handle); err != nil {
		return false, fmt.Errorf("killing zombie pane: %w", err)
	}
	return true, nil
}
