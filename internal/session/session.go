// Package session owns the authoritative table of live and recently closed
// TeleClaude sessions. All session mutations go through the Registry; all
// lookups return copies so callers never alias registry state.
package session

import (
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/constants"
)

// Role describes what a session is for.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleBuilder   Role = "builder"
	RoleReviewer  Role = "reviewer"
	RoleFixer     Role = "fixer"
	RoleFinalizer Role = "finalizer"
	RoleHuman     Role = "human"
	RolePeer      Role = "peer"
)

// ChatBinding ties a session to an adapter conversation. Immutable after
// creation.
type ChatBinding struct {
	Adapter string `json:"adapter"`
	Topic   string `json:"topic"`
}

// Session is one terminal-backed agent session.
type Session struct {
	ID             string       `json:"id"`
	TerminalHandle string       `json:"terminal_handle"`
	AgentKind      agent.Kind   `json:"agent_kind"`
	Tier           agent.Tier   `json:"tier,omitempty"`
	Role           Role         `json:"role"`
	ProjectPath    string       `json:"project_path"`
	Subfolder      string       `json:"subfolder,omitempty"`
	ChatBinding    *ChatBinding `json:"chat_binding,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	ClosedReason   string       `json:"closed_reason,omitempty"`
	ParentID       string       `json:"parent_session_id,omitempty"`
	DirectPeers    []string     `json:"direct_peers,omitempty"`
}

// Closed reports whether the session is tombstoned.
func (s *Session) Closed() bool { return s.ClosedAt != nil }

// HasPeer reports whether id is in the session's direct peer set.
func (s *Session) HasPeer(id string) bool {
	for _, p := range s.DirectPeers {
		if p == id {
			return true
		}
	}
	return false
}

// clone returns a deep copy safe to hand outside the registry.
func (s *Session) clone() *Session {
	out := *s
	if s.ChatBinding != nil {
		cb := *s.ChatBinding
		out.ChatBinding = &cb
	}
	if s.ClosedAt != nil {
		ts := *s.ClosedAt
		out.ClosedAt = &ts
	}
	out.DirectPeers = append([]string(nil), s.DirectPeers...)
	return &out
}

// Spec describes a session to create.
type Spec struct {
	AgentKind   agent.Kind
	Tier        agent.Tier
	Role        Role
	ProjectPath string
	Subfolder   string
	ChatBinding *ChatBinding
	ParentID    string
}

// handleFromID derives the tmux session name from a session ID.
func handleFromID(id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return constants.SessionPrefix + short
}
