// Package protocol is the daemon control surface: JSON-lines requests over
// the local unix socket, one op per line. It carries the wire types, the
// op handler registry, the socket server, and the client the CLI talks
// through.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/federation"
	"github.com/teleclaude/teleclaude/internal/session"
)

// Request is one RPC call. Params are op-specific.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request, matched by ID.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Ops understood by the daemon.
const (
	OpPing             = "ping"
	OpSessionsList     = "sessions.list"
	OpSessionsStart    = "sessions.start"
	OpSessionsEnd      = "sessions.end"
	OpSessionsSend     = "sessions.send"
	OpSessionsAck      = "sessions.ack"
	OpSessionsGather   = "sessions.gather"
	OpAdapterInbound   = "adapter.inbound"
	OpAvailabilityList = "availability.list"
	OpAvailabilityMark = "availability.mark"
	OpTodoVerify       = "todo.verify"
	OpTodoNextPrepare  = "todo.next_prepare"
	OpTodoNextWork     = "todo.next_work"
	OpFederationList   = "federation.list"
	OpDaemonReload     = "daemon.reload"
	OpDaemonStop       = "daemon.stop"
)

// PingResult reports daemon identity and liveness.
type PingResult struct {
	Version string    `json:"version"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// SessionsListParams filters the session listing. Zero value lists live
// sessions of every role and agent.
type SessionsListParams struct {
	All   bool   `json:"all,omitempty"`
	Role  string `json:"role,omitempty"`
	Agent string `json:"agent,omitempty"`
}

type SessionsListResult struct {
	Sessions []*session.Session `json:"sessions"`
}

// SessionsStartParams describes the session to spawn.
type SessionsStartParams struct {
	Agent     string `json:"agent,omitempty"`
	Tier      string `json:"tier,omitempty"`
	Role      string `json:"role,omitempty"`
	Project   string `json:"project,omitempty"`
	Subfolder string `json:"subfolder,omitempty"`
	Adapter   string `json:"adapter,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

type SessionsStartResult struct {
	Session *session.Session `json:"session"`
}

type SessionsEndParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type SessionsEndResult struct {
	Ended bool `json:"ended"`
}

// SessionsSendParams injects text into a session's pane. DirectPeer, when
// set, first establishes the idempotent 1:1 relay between the two sessions.
type SessionsSendParams struct {
	ID         string `json:"id"`
	Text       string `json:"text,omitempty"`
	DirectPeer string `json:"direct_peer,omitempty"`
}

type SessionsSendResult struct {
	RelayID   string `json:"relay_id,omitempty"`
	Delivered bool   `json:"delivered"`
}

// SessionsAckParams acknowledges a signal session: the session is ended and,
// when the work item is named, its recorded signal is cleared.
type SessionsAckParams struct {
	ID      string `json:"id"`
	Project string `json:"project,omitempty"`
	Slug    string `json:"slug,omitempty"`
}

type SessionsAckResult struct {
	Cleared bool `json:"cleared"`
}

// SessionsGatherParams starts a gathering over the named live sessions.
// Exactly one of them must be the harvester.
type SessionsGatherParams struct {
	IDs       []string `json:"ids"`
	Harvester string   `json:"harvester"`
}

type SessionsGatherResult struct {
	RelayID string `json:"relay_id"`
}

// AdapterInboundParams carries one message received on a chat platform,
// handed over by the external bridge process. Adapter defaults to the
// configured platform name.
type AdapterInboundParams struct {
	Adapter string `json:"adapter,omitempty"`
	Topic   string `json:"topic"`
	Sender  string `json:"sender,omitempty"`
	Text    string `json:"text"`
}

type AdapterInboundResult struct {
	SessionID string `json:"session_id,omitempty"`
	Delivered bool   `json:"delivered"`
	Heartbeat bool   `json:"heartbeat,omitempty"`
}

type AvailabilityListResult struct {
	Records []availability.Record `json:"records"`
}

// AvailabilityMarkParams upserts one agent's availability. Available true
// clears the record; false requires Until.
type AvailabilityMarkParams struct {
	Agent     string    `json:"agent"`
	Available bool      `json:"available"`
	Until     time.Time `json:"until,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

type AvailabilityMarkResult struct {
	Record availability.Record `json:"record"`
}

type TodoVerifyParams struct {
	Project  string `json:"project"`
	Worktree string `json:"worktree,omitempty"`
	Slug     string `json:"slug"`
	Phase    string `json:"phase"`
}

type TodoVerifyResult struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// TodoNextParams drives next_prepare or next_work. The result is the
// state machine's Directive verbatim.
type TodoNextParams struct {
	Project string `json:"project"`
	Slug    string `json:"slug,omitempty"`
}

type FederationListResult struct {
	Computers []federation.Computer `json:"computers"`
}

type DaemonStopParams struct {
	ForDeploy bool `json:"for_deploy,omitempty"`
}

type DaemonStopResult struct {
	ExitCode int `json:"exit_code"`
}

type DaemonReloadResult struct {
	Reloaded bool `json:"reloaded"`
}
