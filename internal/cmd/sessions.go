package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/style"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	GroupID: GroupSessions,
	Short:   "Manage agent sessions",
	RunE:    requireSubcommand,
	Long: `Manage TeleClaude agent sessions.

Every session is an agent CLI (or plain shell) running in its own tmux
session owned by the daemon. Sessions can be bound to a chat topic, linked
to each other as direct peers, or pulled into a gathering.

Session IDs may be abbreviated to any unique prefix; the tmux handle
(tc-...) works too.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List the daemon's sessions.

By default only live sessions are shown. Closed sessions are kept as
tombstones for a retention window; include them with --all.

Examples:
  telec sessions list
  telec sessions list --all
  telec sessions list --role builder
  telec sessions list --agent claude`,
	RunE: runSessionsList,
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new agent session",
	Long: `Start a new agent session in a fresh tmux pane.

The daemon spawns the agent CLI, waits for it to come up, and registers
the session. With --topic the session is bound to a chat conversation and
its output is relayed there.

Examples:
  telec sessions start                             # claude, medium tier, in cwd
  telec sessions start --agent codex --tier fast
  telec sessions start --role builder --project ~/src/app --subfolder trees/alpha
  telec sessions start --topic 12345 --prompt "Summarize the failing tests"
  telec sessions start --attach`,
	RunE: runSessionsStart,
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session>",
	Short: "End a session",
	Long: `End a session: interrupt the agent, wait briefly for a clean exit,
then kill the pane. The session record stays as a tombstone.

Examples:
  telec sessions end 1a2b3c4d
  telec sessions end tc-1a2b3c4d9e8f --reason "wrong branch"`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsEnd,
}

var sessionsSendCmd = &cobra.Command{
	Use:   "send <session> [text...]",
	Short: "Send text to a session",
	Long: `Type text into a session's pane as if a human had typed it.

With --direct the session is first linked 1:1 to the named peer session,
so their outputs relay to each other; linking is idempotent, repeating it
reuses the existing relay. Text is optional when --direct is given.

Examples:
  telec sessions send 1a2b3c4d "run the tests again"
  telec sessions send 1a2b3c4d --direct 9f8e7d6c
  telec sessions send 1a2b3c4d --direct 9f8e7d6c "review A's plan"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSessionsSend,
}

var sessionsAckCmd = &cobra.Command{
	Use:   "ack <session>",
	Short: "Acknowledge a signal session",
	Long: `Acknowledge a signal session.

Signal sessions are the attention flags the orchestrator raises when a
work item needs a human decision; they stay open until acknowledged.
Ack ends the session and, when the work item is named, clears the
recorded signal from its state file.

Examples:
  telec sessions ack 1a2b3c4d
  telec sessions ack 1a2b3c4d --project ~/src/app --slug alpha`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsAck,
}

var sessionsGatherCmd = &cobra.Command{
	Use:   "gather <session> <session>...",
	Short: "Start a breathing-cycle gathering",
	Long: `Pull two or more live sessions into a gathering.

A gathering runs inhale/hold/exhale rounds across the participants and
ends with the harvester producing the collected result. Exactly one
participant must be named as harvester.

Examples:
  telec sessions gather 1a2b 3c4d 5e6f --harvester 5e6f`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSessionsGather,
}

var sessionsAttachCmd = &cobra.Command{
	Use:   "attach <session>",
	Short: "Attach the terminal to a session's tmux pane",
	Long: `Attach the current terminal to a session's tmux pane.

Inside tmux this switches the client; outside it attaches. Detach with
the usual tmux prefix (C-b d); the session keeps running.

Examples:
  telec sessions attach 1a2b3c4d`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsAttach,
}

var (
	sessionsListAll   bool
	sessionsListRole  string
	sessionsListAgent string

	sessionsStartAgent     string
	sessionsStartTier      string
	sessionsStartRole      string
	sessionsStartProject   string
	sessionsStartSubfolder string
	sessionsStartAdapter   string
	sessionsStartTopic     string
	sessionsStartPrompt    string
	sessionsStartAttach    bool

	sessionsEndReason string

	sessionsSendDirect string

	sessionsAckProject string
	sessionsAckSlug    string

	sessionsGatherHarvester string
)

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	sessionsCmd.AddCommand(sessionsSendCmd)
	sessionsCmd.AddCommand(sessionsAckCmd)
	sessionsCmd.AddCommand(sessionsGatherCmd)
	sessionsCmd.AddCommand(sessionsAttachCmd)

	sessionsListCmd.Flags().BoolVarP(&sessionsListAll, "all", "a", false, "Include closed sessions")
	sessionsListCmd.Flags().StringVar(&sessionsListRole, "role", "", "Filter by role")
	sessionsListCmd.Flags().StringVar(&sessionsListAgent, "agent", "", "Filter by agent kind")

	sessionsStartCmd.Flags().StringVar(&sessionsStartAgent, "agent", "claude",
		fmt.Sprintf("Agent kind (%s)", strings.Join(agent.ValidKinds(), ", ")))
	sessionsStartCmd.Flags().StringVar(&sessionsStartTier, "tier", "medium",
		fmt.Sprintf("Thinking tier (%s)", strings.Join(agent.ValidTiers(), ", ")))
	sessionsStartCmd.Flags().StringVar(&sessionsStartRole, "role", "human", "Session role")
	sessionsStartCmd.Flags().StringVar(&sessionsStartProject, "project", "", "Project path (default: current directory)")
	sessionsStartCmd.Flags().StringVar(&sessionsStartSubfolder, "subfolder", "", "Worktree subfolder relative to the project")
	sessionsStartCmd.Flags().StringVar(&sessionsStartAdapter, "adapter", "", "Chat adapter for --topic (default: configured adapter)")
	sessionsStartCmd.Flags().StringVar(&sessionsStartTopic, "topic", "", "Chat topic to bind the session to")
	sessionsStartCmd.Flags().StringVar(&sessionsStartPrompt, "prompt", "", "Initial prompt typed into the agent")
	sessionsStartCmd.Flags().BoolVar(&sessionsStartAttach, "attach", false, "Attach the terminal once the session is up")

	sessionsEndCmd.Flags().StringVar(&sessionsEndReason, "reason", "", "Reason recorded on the tombstone")

	sessionsSendCmd.Flags().StringVar(&sessionsSendDirect, "direct", "", "Peer session to link 1:1 before sending")

	sessionsAckCmd.Flags().StringVar(&sessionsAckProject, "project", "", "Project path of the signalled work item")
	sessionsAckCmd.Flags().StringVar(&sessionsAckSlug, "slug", "", "Work item slug (default: scan the project's bundles)")

	sessionsGatherCmd.Flags().StringVar(&sessionsGatherHarvester, "harvester", "", "Session that harvests the gathering result")

	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	var res protocol.SessionsListResult
	err := daemonClient().Call(protocol.OpSessionsList, protocol.SessionsListParams{
		All:   sessionsListAll,
		Role:  sessionsListRole,
		Agent: sessionsListAgent,
	}, &res)
	if err != nil {
		return daemonUnreachable(err)
	}

	if len(res.Sessions) == 0 {
		if sessionsListAll {
			fmt.Println("No sessions.")
		} else {
			fmt.Println("No live sessions. Start one with 'telec sessions start'.")
		}
		return nil
	}

	table := style.NewTable(
		style.Column{Name: "ID", Width: 8},
		style.Column{Name: "AGENT", Width: 7},
		style.Column{Name: "TIER", Width: 7},
		style.Column{Name: "ROLE", Width: 10},
		style.Column{Name: "STATE", Width: 6},
		style.Column{Name: "AGE", Width: 5, Align: style.AlignRight},
		style.Column{Name: "PROJECT", Width: 32},
	)
	for _, s := range res.Sessions {
		table.AddRow(
			shortID(s.ID),
			string(s.AgentKind),
			orDash(string(s.Tier)),
			orDash(string(s.Role)),
			sessionState(s),
			sessionAge(s),
			sessionLocation(s),
		)
	}
	fmt.Print(table.Render())
	fmt.Printf("\n  %d session(s)\n", len(res.Sessions))
	return nil
}

func runSessionsStart(cmd *cobra.Command, args []string) error {
	project := sessionsStartProject
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		project = cwd
	}
	project, err := filepath.Abs(project)
	if err != nil {
		return fmt.Errorf("resolving project path: %w", err)
	}

	var res protocol.SessionsStartResult
	err = daemonClient().Call(protocol.OpSessionsStart, protocol.SessionsStartParams{
		Agent:     sessionsStartAgent,
		Tier:      sessionsStartTier,
		Role:      sessionsStartRole,
		Project:   project,
		Subfolder: sessionsStartSubfolder,
		Adapter:   sessionsStartAdapter,
		Topic:     sessionsStartTopic,
		Prompt:    sessionsStartPrompt,
	}, &res)
	if err != nil {
		return daemonUnreachable(err)
	}

	s := res.Session
	fmt.Printf("%s Session started\n", style.SuccessPrefix)
	fmt.Printf("  ID:     %s\n", s.ID)
	fmt.Printf("  Handle: %s\n", s.TerminalHandle)
	if s.Tier != "" {
		fmt.Printf("  Agent:  %s (%s)\n", s.AgentKind, s.Tier)
	} else {
		fmt.Printf("  Agent:  %s\n", s.AgentKind)
	}
	if s.ChatBinding != nil {
		fmt.Printf("  Chat:   %s topic %s\n", s.ChatBinding.Adapter, s.ChatBinding.Topic)
	}

	if sessionsStartAttach {
		return attachToTmuxSession(s.TerminalHandle)
	}
	fmt.Printf("\nAttach with: %s\n", style.Dim.Render("telec sessions attach "+shortID(s.ID)))
	return nil
}

func runSessionsEnd(cmd *cobra.Command, args []string) error {
	client := daemonClient()
	sess, err := resolveSession(client, args[0])
	if err != nil {
		return err
	}
	var res protocol.SessionsEndResult
	err = client.Call(protocol.OpSessionsEnd, protocol.SessionsEndParams{
		ID:     sess.ID,
		Reason: sessionsEndReason,
	}, &res)
	if err != nil {
		return err
	}
	fmt.Printf("%s Session %s ended\n", style.SuccessPrefix, shortID(sess.ID))
	return nil
}

func runSessionsSend(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args[1:], " "))
	if text == "" && sessionsSendDirect == "" {
		return fmt.Errorf("nothing to do: give text to send, --direct to link, or both")
	}

	client := daemonClient()
	sess, err := resolveSession(client, args[0])
	if err != nil {
		return err
	}

	params := protocol.SessionsSendParams{ID: sess.ID, Text: text}
	var peerShort string
	if sessionsSendDirect != "" {
		peer, err := resolveSession(client, sessionsSendDirect)
		if err != nil {
			return err
		}
		params.DirectPeer = peer.ID
		peerShort = shortID(peer.ID)
	}

	var res protocol.SessionsSendResult
	if err := client.Call(protocol.OpSessionsSend, params, &res); err != nil {
		return err
	}

	if res.RelayID != "" {
		fmt.Printf("%s Linked %s and %s (relay %s)\n",
			style.SuccessPrefix, shortID(sess.ID), peerShort, res.RelayID)
	}
	if res.Delivered {
		fmt.Printf("%s Sent to %s\n", style.SuccessPrefix, shortID(sess.ID))
	}
	return nil
}

func runSessionsAck(cmd *cobra.Command, args []string) error {
	client := daemonClient()
	sess, err := resolveSession(client, args[0])
	if err != nil {
		return err
	}

	project := sessionsAckProject
	if project != "" {
		if project, err = filepath.Abs(project); err != nil {
			return fmt.Errorf("resolving project path: %w", err)
		}
	}

	var res protocol.SessionsAckResult
	err = client.Call(protocol.OpSessionsAck, protocol.SessionsAckParams{
		ID:      sess.ID,
		Project: project,
		Slug:    sessionsAckSlug,
	}, &res)
	if err != nil {
		return err
	}

	fmt.Printf("%s Signal session %s acknowledged\n", style.SuccessPrefix, shortID(sess.ID))
	if res.Cleared {
		fmt.Println("  Recorded signal cleared")
	}
	return nil
}

func runSessionsGather(cmd *cobra.Command, args []string) error {
	if sessionsGatherHarvester == "" {
		return fmt.Errorf("--harvester is required (one participant must harvest the result)")
	}

	client := daemonClient()
	harvester, err := resolveSession(client, sessionsGatherHarvester)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(args))
	seen := map[string]bool{}
	for _, arg := range args {
		sess, err := resolveSession(client, arg)
		if err != nil {
			return err
		}
		if seen[sess.ID] {
			continue
		}
		seen[sess.ID] = true
		ids = append(ids, sess.ID)
	}
	if !seen[harvester.ID] {
		ids = append(ids, harvester.ID)
	}

	var res protocol.SessionsGatherResult
	err = client.Call(protocol.OpSessionsGather, protocol.SessionsGatherParams{
		IDs:       ids,
		Harvester: harvester.ID,
	}, &res)
	if err != nil {
		return err
	}

	fmt.Printf("%s Gathering started: %d sessions, harvester %s (relay %s)\n",
		style.SuccessPrefix, len(ids), shortID(harvester.ID), res.RelayID)
	return nil
}

func runSessionsAttach(cmd *cobra.Command, args []string) error {
	sess, err := resolveSession(daemonClient(), args[0])
	if err != nil {
		return err
	}
	if sess.Closed() {
		return fmt.Errorf("session %s is closed (%s)", shortID(sess.ID), sess.ClosedReason)
	}
	return attachToTmuxSession(sess.TerminalHandle)
}

// resolveSession matches a user-supplied session reference against the
// daemon's table: full ID, unique ID prefix, or tmux handle.
func resolveSession(client *protocol.Client, ref string) (*session.Session, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty session id")
	}
	var res protocol.SessionsListResult
	if err := client.Call(protocol.OpSessionsList, protocol.SessionsListParams{All: true}, &res); err != nil {
		return nil, daemonUnreachable(err)
	}

	var matches []*session.Session
	for _, s := range res.Sessions {
		if s.ID == ref || s.TerminalHandle == ref {
			return s, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no session matching %q", ref)
	case 1:
		return matches[0], nil
	default:
		// Prefer the single live match; tombstones share prefixes for a
		// whole retention window.
		var live []*session.Session
		for _, s := range matches {
			if !s.Closed() {
				live = append(live, s)
			}
		}
		if len(live) == 1 {
			return live[0], nil
		}
		return nil, fmt.Errorf("session id %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sessionState(s *session.Session) string {
	if s.Closed() {
		return style.Dim.Render("closed")
	}
	return style.Success.Render("live")
}

func sessionAge(s *session.Session) string {
	ref := s.CreatedAt
	if s.ClosedAt != nil {
		ref = *s.ClosedAt
	}
	return formatAge(time.Since(ref))
}

func sessionLocation(s *session.Session) string {
	loc := filepath.Base(s.ProjectPath)
	if s.Subfolder != "" {
		loc += "/" + s.Subfolder
	}
	return loc
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
