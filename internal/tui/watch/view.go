package watch

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/teleclaude/teleclaude/internal/session"
)

// Styles for the watch screen.
var (
	TitleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	HeaderRowStyle = lipgloss.NewStyle().Bold(true).Faint(true)
	SelectedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	LiveStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	ClosedStyle    = lipgloss.NewStyle().Faint(true)
	ErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	DimStyle       = lipgloss.NewStyle().Faint(true)
	StatusBarStyle = lipgloss.NewStyle().Faint(true)
	HelpKeyStyle   = lipgloss.NewStyle().Bold(true)
	HelpDescStyle  = lipgloss.NewStyle().Faint(true)
)

// render produces the full TUI output.
// Caller must hold m.mu.
func (m *Model) render() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	sections := []string{
		m.renderHeader(),
		"",
		m.renderTable(),
		"",
		m.renderStatusBar(),
	}

	if m.showHelp {
		sections = append(sections, m.help.View(m.keys))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderHeader renders the top bar: title left, daemon identity right.
func (m *Model) renderHeader() string {
	title := TitleStyle.Render("TeleClaude Watch")

	var daemon string
	switch {
	case m.daemonErr != nil:
		daemon = ErrorStyle.Render("daemon unreachable")
	case m.daemon.Version != "":
		daemon = DimStyle.Render(fmt.Sprintf("daemon v%s pid %d", m.daemon.Version, m.daemon.PID))
	default:
		daemon = DimStyle.Render("connecting...")
	}

	gap := m.width - lipgloss.Width(title) - lipgloss.Width(daemon) - 2
	if gap < 1 {
		gap = 1
	}
	return title + strings.Repeat(" ", gap) + daemon
}

// renderTable renders the session rows.
// Caller must hold m.mu.
func (m *Model) renderTable() string {
	if m.fetchErr != nil {
		return ErrorStyle.Render(fmt.Sprintf("Error listing sessions: %v", m.fetchErr)) +
			"\n" + DimStyle.Render("Retrying...")
	}
	if !m.fetched {
		return DimStyle.Render("Connecting to daemon...")
	}
	if len(m.sessions) == 0 {
		if m.showAll {
			return DimStyle.Render("No sessions")
		}
		return DimStyle.Render("No live sessions")
	}

	lines := make([]string, 0, len(m.sessions)+1)
	lines = append(lines, HeaderRowStyle.Render(fmt.Sprintf(
		"  %-9s %-8s %-8s %-10s %-7s %-7s %s",
		"ID", "AGENT", "TIER", "ROLE", "STATE", "AGE", "PROJECT")))

	for i, sess := range m.sessions {
		lines = append(lines, m.renderRow(sess, i == m.cursor))
	}
	return strings.Join(lines, "\n")
}

// renderRow renders a single session line.
func (m *Model) renderRow(s *session.Session, selected bool) string {
	prefix := "  "
	if selected {
		prefix = SelectedStyle.Render("▶ ")
	}

	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}

	tier := string(s.Tier)
	if tier == "" {
		tier = "-"
	}
	role := string(s.Role)
	if role == "" {
		role = "-"
	}

	state := LiveStyle.Render(fmt.Sprintf("%-7s", "live"))
	age := time.Since(s.CreatedAt)
	if s.Closed() {
		state = ClosedStyle.Render(fmt.Sprintf("%-7s", "closed"))
		age = time.Since(*s.ClosedAt)
	}

	project := "-"
	if s.ProjectPath != "" {
		project = filepath.Base(s.ProjectPath)
	}
	if s.Subfolder != "" {
		project += "/" + s.Subfolder
	}

	return fmt.Sprintf("%s%-9s %-8s %-8s %-10s %s %-7s %s",
		prefix, id, s.AgentKind, tier, role, state, formatAge(age), project)
}

// renderStatusBar renders the bottom status bar.
// Caller must hold m.mu.
func (m *Model) renderStatusBar() string {
	scope := "live"
	if m.showAll {
		scope = "all"
	}
	left := fmt.Sprintf("[%s] %d sessions", scope, len(m.sessions))

	hints := []string{
		HelpKeyStyle.Render("⏎") + HelpDescStyle.Render(":attach"),
		HelpKeyStyle.Render("x") + HelpDescStyle.Render(":end"),
		HelpKeyStyle.Render("a") + HelpDescStyle.Render(":all"),
		HelpKeyStyle.Render("r") + HelpDescStyle.Render(":refresh"),
		HelpKeyStyle.Render("?") + HelpDescStyle.Render(":help"),
		HelpKeyStyle.Render("q") + HelpDescStyle.Render(":quit"),
	}
	right := strings.Join(hints, "  ")

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return StatusBarStyle.Render(left + strings.Repeat(" ", gap) + right)
}

// formatAge formats a duration as a short age string.
func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
