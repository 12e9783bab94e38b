// Package constants defines shared constant values used throughout TeleClaude.
// Centralizing these magic strings improves maintainability and consistency.
package constants

import (
	"os"
	"path/filepath"
	"time"
)

// Timing constants for session management and tmux operations.
const (
	// DefaultPollInterval is how often an output poller samples its pane.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultIdleThreshold is how long pane output must stay unchanged
	// before the poller emits an idle event.
	DefaultIdleThreshold = 5 * time.Second

	// DefaultPeerPollInterval is the pane sampling cadence for peer-bound
	// sessions. Peers tolerate more latency than a watching human.
	DefaultPeerPollInterval = 2 * time.Second

	// DefaultDebounceMs is the default debounce for SendKeys operations:
	// the pause between injecting literal text and pressing Enter.
	DefaultDebounceMs = 500

	// GracefulStopTimeout is how long to wait after sending Ctrl-C before
	// forcefully killing a session.
	GracefulStopTimeout = 3 * time.Second

	// AgentStartTimeout is how long to wait for an agent CLI to come up
	// inside a fresh pane.
	AgentStartTimeout = 60 * time.Second

	// WaitPollInterval is the polling interval for short wait loops.
	WaitPollInterval = 100 * time.Millisecond

	// VerdictSettleTimeout is how long the orchestrator waits for a live
	// reviewer to rewrite its findings after a fix round.
	VerdictSettleTimeout = 2 * time.Minute

	// DefaultSessionWaitTimeout bounds the orchestrator's wait for a
	// dispatched session to exit.
	DefaultSessionWaitTimeout = 30 * time.Minute

	// DefaultBeatInterval is how long a gathering speaker may stay silent
	// before a heartbeat prompt is injected.
	DefaultBeatInterval = 90 * time.Second

	// DefaultHarvestTimeout bounds the wait for the harvester's close-phase
	// artifact.
	DefaultHarvestTimeout = 10 * time.Minute

	// DefaultHeartbeatInterval is the federation presence heartbeat cadence.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultOfflineThreshold marks a federated computer offline when its
	// last heartbeat is older than this. Kept at twice the heartbeat.
	DefaultOfflineThreshold = 60 * time.Second

	// DefaultTombstoneRetention is how long closed session records are kept
	// before the reconciler sweeps them.
	DefaultTombstoneRetention = 24 * time.Hour

	// DefaultRateLimitCooldown is how long an agent sits out after its
	// output matches a rate-limit pattern.
	DefaultRateLimitCooldown = 30 * time.Minute

	// FlushRetryDelay is how long buffered chat output waits before a retry
	// when the outbound limiter rejects a delivery.
	FlushRetryDelay = 2 * time.Second
)

// Workflow defaults.
const (
	// DefaultMaxReviewRounds caps review/fix iterations before the closure
	// policy marks a todo blocked.
	DefaultMaxReviewRounds = 3

	// DefaultStallLimit is how many times the orchestrator tolerates the
	// same directive with no filesystem progress before giving up.
	DefaultStallLimit = 3

	// DefaultTailMessageLimit is the human-mode editable tail message size.
	DefaultTailMessageLimit = 3400

	// DefaultMaxMessageLength is the peer-mode chunk size.
	DefaultMaxMessageLength = 4096

	// DefaultEventBufferSize bounds the per-session event buffer between
	// poller and consumers. Overflow coalesces output events.
	DefaultEventBufferSize = 64
)

// ExitCodeRestart is reserved for "please restart me for deployment". The
// service manager treats it as a redeploy request, not a crash.
const ExitCodeRestart = 42

// Tmux session naming.
const (
	// SessionPrefix is the prefix for TeleClaude tmux sessions.
	SessionPrefix = "tc-"

	// ExitMarkerPrefix prefixes the sentinel echoed after a command so the
	// poller can detect command boundaries. The full marker is
	// ExitMarkerPrefix + handle; the shell appends " rc=$?" which only
	// expands in the output line, never in the echoed command itself.
	ExitMarkerPrefix = "TELEC_DONE_"
)

// Directory names under the TeleClaude home.
const (
	DirTranscripts = "transcripts"
)

// Directory names under a project root.
const (
	DirTodos = "todos"
	DirTrees = "trees"
	DirDone  = "done"
)

// File names for configuration and state.
const (
	FileConfig       = "config.toml"
	FileEnv          = ".env"
	FileDaemonLog    = "daemon.log"
	FileDaemonPID    = "daemon.pid"
	FileDaemonLock   = "daemon.lock"
	FileDaemonSocket = "daemon.sock"
	FileSessions     = "sessions.json"
	FileAvailability = "availability.json"
)

// Work-item file names under todos/{slug}/.
const (
	FileInput            = "input.md"
	FileRequirements     = "requirements.md"
	FilePlan             = "implementation-plan.md"
	FileReviewFindings   = "review-findings.md"
	FileQualityChecklist = "quality-checklist.md"
	FileState            = "state.yaml"
	FileRoadmap          = "roadmap.md"
)

// HomeEnv overrides the TeleClaude home directory.
const HomeEnv = "TELECLAUDE_HOME"

// Home returns the TeleClaude home directory: $TELECLAUDE_HOME if set,
// else ~/.teleclaude.
func Home() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teleclaude"
	}
	return filepath.Join(home, ".teleclaude")
}

// Path helpers construct common paths under a TeleClaude home.

func ConfigPath(home string) string       { return filepath.Join(home, FileConfig) }
func EnvPath(home string) string          { return filepath.Join(home, FileEnv) }
func LogPath(home string) string          { return filepath.Join(home, FileDaemonLog) }
func PIDPath(home string) string          { return filepath.Join(home, FileDaemonPID) }
func LockPath(home string) string         { return filepath.Join(home, FileDaemonLock) }
func SocketPath(home string) string       { return filepath.Join(home, FileDaemonSocket) }
func SessionStorePath(home string) string { return filepath.Join(home, FileSessions) }
func AvailabilityPath(home string) string { return filepath.Join(home, FileAvailability) }
func TranscriptsDir(home string) string   { return filepath.Join(home, DirTranscripts) }

// TranscriptPath returns the full-transcript file for a session.
func TranscriptPath(home, sessionID string) string {
	return filepath.Join(TranscriptsDir(home), sessionID+".log")
}

// SupportedShells lists shell binaries TeleClaude can detect and work with.
// Used to identify if a tmux pane is at a shell prompt vs running a command.
var SupportedShells = []string{"bash", "zsh", "sh", "fish", "tcsh", "ksh"}

// DefaultRateLimitPatterns are the default patterns that indicate an agent
// session is rate-limited. Matched case-insensitively against new pane
// output. Patterns must be specific to real back-end messages; a loose
// pattern will trip on agent discussion or code comments in the pane.
var DefaultRateLimitPatterns = []string{
	`You've hit your .*limit`,                // Claude's primary rate-limit message
	`Stop and wait for limit to reset`,       // rate-limit TUI prompt option
	`API Error: Rate limit reached`,          // mid-stream API 429
	`Rate limit exceeded`,                    // generic 429 phrasing (Codex)
	`Quota exceeded`,                         // Gemini quota exhaustion
	`OAuth token (revoked|has expired)`,      // token invalidated or expired
}
