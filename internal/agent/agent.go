// Package agent defines the closed enums for agent back-ends, thinking
// tiers, and workflow task types, plus the launch-command presets for each
// back-end CLI.
package agent

import (
	"fmt"
	"strings"
)

// Kind identifies the family of a spawned AI coder, or shell for raw
// sessions.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindGemini Kind = "gemini"
	KindShell  Kind = "shell"
)

// ValidKinds returns all valid agent kind names.
func ValidKinds() []string {
	return []string{string(KindClaude), string(KindCodex), string(KindGemini), string(KindShell)}
}

// DispatchableKinds returns the kinds that run coding agents. Shell panes
// carry no agent and are excluded.
func DispatchableKinds() []Kind {
	return []Kind{KindClaude, KindCodex, KindGemini}
}

// IsValidKind checks if a string is a valid agent kind name.
func IsValidKind(kind string) bool {
	switch Kind(kind) {
	case KindClaude, KindCodex, KindGemini, KindShell:
		return true
	default:
		return false
	}
}

// Tier is the coarse resource hint passed to an agent back-end.
type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
)

// ValidTiers returns all valid thinking tier names.
func ValidTiers() []string {
	return []string{string(TierFast), string(TierMedium), string(TierSlow)}
}

// IsValidTier checks if a string is a valid thinking tier name.
func IsValidTier(tier string) bool {
	switch Tier(tier) {
	case TierFast, TierMedium, TierSlow:
		return true
	default:
		return false
	}
}

// Task is a workflow task type used for availability fallback selection.
type Task string

const (
	TaskPrepare  Task = "prepare"
	TaskBuild    Task = "build"
	TaskReview   Task = "review"
	TaskFix      Task = "fix"
	TaskCommit   Task = "commit"
	TaskFinalize Task = "finalize"
)

// ValidTasks returns all valid task type names.
func ValidTasks() []string {
	return []string{
		string(TaskPrepare), string(TaskBuild), string(TaskReview),
		string(TaskFix), string(TaskCommit), string(TaskFinalize),
	}
}

// LaunchSpec is the command line that starts an agent back-end inside a
// fresh pane.
type LaunchSpec struct {
	Command string
	Args    []string
}

// CommandLine renders the launch spec as a single shell command.
func (l LaunchSpec) CommandLine() string {
	if len(l.Args) == 0 {
		return l.Command
	}
	return l.Command + " " + strings.Join(l.Args, " ")
}

// Launch returns the launch preset for an agent kind at a thinking tier.
// Shell sessions have no agent process; Launch returns an empty spec for
// them.
func Launch(kind Kind, tier Tier) (LaunchSpec, error) {
	switch kind {
	case KindClaude:
		return LaunchSpec{
			Command: "claude",
			Args:    []string{"--dangerously-skip-permissions", "--model", claudeModel(tier)},
		}, nil
	case KindCodex:
		return LaunchSpec{
			Command: "codex",
			Args:    []string{"--full-auto", "-c", "model_reasoning_effort=" + codexEffort(tier)},
		}, nil
	case KindGemini:
		return LaunchSpec{
			Command: "gemini",
			Args:    []string{"--yolo", "--model", geminiModel(tier)},
		}, nil
	case KindShell:
		return LaunchSpec{}, nil
	default:
		return LaunchSpec{}, fmt.Errorf("unknown agent kind: %q (valid: %s)", kind, strings.Join(ValidKinds(), ", "))
	}
}

func claudeModel(tier Tier) string {
	switch tier {
	case TierFast:
		return "haiku"
	case TierMedium:
		return "sonnet"
	default:
		return "opus"
	}
}

func codexEffort(tier Tier) string {
	switch tier {
	case TierFast:
		return "low"
	case TierMedium:
		return "medium"
	default:
		return "high"
	}
}

func geminiModel(tier Tier) string {
	switch tier {
	case TierFast, TierMedium:
		return "gemini-2.5-flash"
	default:
		return "gemini-2.5-pro"
	}
}
