// Package todo is the work-item state machine. Every call reads the
// on-disk bundle under todos/{slug}/ and returns a single directive; no
// in-memory state governs transitions.
package todo

import (
	"fmt"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
)

// Directive kinds.
type DirectiveKind int

const (
	DirectiveError DirectiveKind = iota + 1
	DirectivePreparedOK
	DirectiveCompleteOK
	DirectiveToolCall
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveError:
		return "error"
	case DirectivePreparedOK:
		return "prepared_ok"
	case DirectiveCompleteOK:
		return "complete_ok"
	case DirectiveToolCall:
		return "tool_call"
	default:
		return fmt.Sprintf("directive(%d)", int(k))
	}
}

// Error codes returned by the state machine.
const (
	CodeNoWork           = "NO_WORK"
	CodeNotPrepared      = "NOT_PREPARED"
	CodeBuildGate        = "BUILD_GATE"
	CodeVerify           = "VERIFY"
	CodeAmbiguousVerdict = "AMBIGUOUS_VERDICT"
	CodeReviewRoundLimit = "REVIEW_ROUND_LIMIT"
	CodeGit              = "GIT"
	CodeNoAgent          = "NO_AGENT"
	CodeInternal         = "INTERNAL"
)

// Worker commands carried by tool-call directives.
const (
	CmdNextPrepare   = "next-prepare"
	CmdNextBuild     = "next-build"
	CmdNextReview    = "next-review"
	CmdNextFixReview = "next-fix-review"
	CmdNextFinalize  = "next-finalize"
	CmdCommitPending = "commit-pending"
)

// Directive is the single tagged return value of the state machine.
type Directive struct {
	Kind DirectiveKind `json:"kind"`

	// Error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Slug applies to everything except Error.
	Slug string `json:"slug,omitempty"`

	// CompleteOK fields.
	ArchivePath string `json:"archive_path,omitempty"`

	// ToolCall fields.
	Command    string        `json:"command,omitempty"`
	Args       string        `json:"args,omitempty"`
	Project    string        `json:"project,omitempty"`
	Agent      agent.Kind    `json:"agent,omitempty"`
	Tier       agent.Tier    `json:"thinking_tier,omitempty"`
	Subfolder  string        `json:"subfolder,omitempty"`
	Note       string        `json:"note,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// IsError reports whether the directive is an error.
func (d Directive) IsError() bool {
	return d.Kind == DirectiveError
}

func (d Directive) String() string {
	switch d.Kind {
	case DirectiveError:
		return fmt.Sprintf("Error{%s: %s}", d.Code, d.Message)
	case DirectivePreparedOK:
		return fmt.Sprintf("PreparedOK{%s}", d.Slug)
	case DirectiveCompleteOK:
		return fmt.Sprintf("CompleteOK{%s, %s}", d.Slug, d.ArchivePath)
	case DirectiveToolCall:
		return fmt.Sprintf("ToolCall{%s %s, agent=%s/%s, subfolder=%q}", d.Command, d.Args, d.Agent, d.Tier, d.Subfolder)
	default:
		return d.Kind.String()
	}
}

func errorDirective(code, format string, args ...any) Directive {
	return Directive{Kind: DirectiveError, Code: code, Message: fmt.Sprintf(format, args...)}
}

func preparedOK(slug string) Directive {
	return Directive{Kind: DirectivePreparedOK, Slug: slug}
}

func completeOK(slug, archivePath string) Directive {
	return Directive{Kind: DirectiveCompleteOK, Slug: slug, ArchivePath: archivePath}
}
