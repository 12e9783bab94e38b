// Package watch is the live session table TUI: it polls the daemon over
// the control socket and renders one row per session with attach and end
// actions.
package watch

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/session"
)

// refreshInterval is how often the table refetches the session list.
const refreshInterval = 2 * time.Second

// Caller is the slice of the protocol client the watch screen needs.
type Caller interface {
	Call(op string, params, result any) error
}

// Model is the bubbletea model for the watch TUI.
type Model struct {
	client Caller

	// Data
	sessions  []*session.Session
	daemon    protocol.PingResult
	daemonErr error
	fetchErr  error
	fetched   bool
	showAll   bool

	// UI state
	cursor   int
	width    int
	height   int
	keys     KeyMap
	help     help.Model
	showHelp bool

	// mu protects all fields read by View() from concurrent access:
	// sessions, daemon, daemonErr, fetchErr, fetched, showAll, cursor,
	// width, height, showHelp, help. Write lock is held during Update
	// mutations; read lock is held during View/render.
	mu sync.RWMutex
}

// New creates a watch model talking to the daemon through client.
func New(client Caller) *Model {
	h := help.New()
	h.ShowAll = false

	return &Model{
		client:   client,
		sessions: make([]*session.Session, 0),
		keys:     DefaultKeyMap(),
		help:     h,
	}
}

// Init initializes the model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.ping,
		m.fetchSessions,
		refreshTick(),
		tea.SetWindowTitle("TeleClaude Watch"),
	)
}

// pingMsg carries the daemon identity probe result.
type pingMsg struct {
	res protocol.PingResult
	err error
}

// sessionsMsg carries one session list fetch.
type sessionsMsg struct {
	sessions []*session.Session
	err      error
}

// endMsg reports the outcome of ending a session.
type endMsg struct {
	err error
}

// refreshTickMsg triggers the next list refetch.
type refreshTickMsg time.Time

// ping fetches the daemon identity once at startup.
func (m *Model) ping() tea.Msg {
	var res protocol.PingResult
	err := m.client.Call(protocol.OpPing, nil, &res)
	return pingMsg{res: res, err: err}
}

// fetchSessions fetches the session list. Captures showAll under the read
// lock to avoid racing with the toggle key.
func (m *Model) fetchSessions() tea.Msg {
	m.mu.RLock()
	all := m.showAll
	m.mu.RUnlock()

	var res protocol.SessionsListResult
	err := m.client.Call(protocol.OpSessionsList, protocol.SessionsListParams{All: all}, &res)
	return sessionsMsg{sessions: res.Sessions, err: err}
}

// refreshTick schedules the next refetch.
func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshTickMsg(t)
	})
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.mu.Unlock()
		return m, nil

	case pingMsg:
		m.mu.Lock()
		m.daemon = msg.res
		m.daemonErr = msg.err
		m.mu.Unlock()
		return m, nil

	case sessionsMsg:
		m.mu.Lock()
		m.fetched = true
		m.fetchErr = msg.err
		if msg.err == nil {
			m.sessions = msg.sessions
			m.clampCursorLocked()
		}
		m.mu.Unlock()
		return m, nil

	case endMsg:
		if msg.err != nil {
			m.mu.Lock()
			m.fetchErr = msg.err
			m.mu.Unlock()
		}
		return m, m.fetchSessions

	case refreshTickMsg:
		return m, tea.Batch(m.fetchSessions, refreshTick())

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

// handleKey processes key presses.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.mu.Lock()
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		m.mu.Unlock()
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.mu.Lock()
		if m.cursor > 0 {
			m.cursor--
		}
		m.mu.Unlock()
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.mu.Lock()
		if m.cursor < m.maxCursorLocked() {
			m.cursor++
		}
		m.mu.Unlock()
		return m, nil

	case key.Matches(msg, m.keys.Top):
		m.mu.Lock()
		m.cursor = 0
		m.mu.Unlock()
		return m, nil

	case key.Matches(msg, m.keys.Bottom):
		m.mu.Lock()
		m.cursor = m.maxCursorLocked()
		m.mu.Unlock()
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchSessions

	case key.Matches(msg, m.keys.ToggleAll):
		m.mu.Lock()
		m.showAll = !m.showAll
		m.mu.Unlock()
		return m, m.fetchSessions

	case key.Matches(msg, m.keys.Attach):
		return m.attachToSelected()

	case key.Matches(msg, m.keys.End):
		return m, m.endSelected()
	}

	return m, nil
}

// maxCursorLocked returns the maximum valid cursor position.
// Caller must hold m.mu (read or write).
func (m *Model) maxCursorLocked() int {
	if len(m.sessions) == 0 {
		return 0
	}
	return len(m.sessions) - 1
}

// clampCursorLocked keeps the cursor inside the session list after a
// refresh shrinks it. Caller must hold m.mu write lock.
func (m *Model) clampCursorLocked() {
	if max := m.maxCursorLocked(); m.cursor > max {
		m.cursor = max
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// selected returns a snapshot of the session under the cursor, or nil.
func (m *Model) selected() *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sessions) == 0 || m.cursor < 0 || m.cursor >= len(m.sessions) {
		return nil
	}
	return m.sessions[m.cursor]
}

// attachToSelected exits the TUI and attaches to the selected session's
// tmux pane.
func (m *Model) attachToSelected() (tea.Model, tea.Cmd) {
	sess := m.selected()
	if sess == nil || sess.Closed() {
		return m, nil
	}
	var c *exec.Cmd
	if os.Getenv("TMUX") != "" {
		// Inside tmux: switch the current client to the target session
		c = exec.Command("tmux", "switch-client", "-t", sess.TerminalHandle)
	} else {
		// Outside tmux: attach to the session
		c = exec.Command("tmux", "attach-session", "-t", sess.TerminalHandle)
	}
	return m, tea.Sequence(
		tea.ExitAltScreen,
		tea.ExecProcess(c, func(err error) tea.Msg {
			return tea.Quit()
		}),
	)
}

// endSelected asks the daemon to end the selected session.
func (m *Model) endSelected() tea.Cmd {
	sess := m.selected()
	if sess == nil || sess.Closed() {
		return nil
	}
	id := sess.ID
	return func() tea.Msg {
		var res protocol.SessionsEndResult
		err := m.client.Call(protocol.OpSessionsEnd, protocol.SessionsEndParams{
			ID:     id,
			Reason: "ended from watch",
		}, &res)
		return endMsg{err: err}
	}
}

// View renders the TUI.
// Acquires the read lock to safely access model state from the render path.
func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.render()
}
