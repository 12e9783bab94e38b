package dispatch

import (
	"fmt"
	"path"
	"strings"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/todo"
)

// roleForCommand maps a worker command to the session role it runs under.
func roleForCommand(command string) session.Role {
	switch command {
	case todo.CmdNextPrepare:
		return session.RoleArchitect
	case todo.CmdNextBuild, todo.CmdCommitPending:
		return session.RoleBuilder
	case todo.CmdNextReview:
		return session.RoleReviewer
	case todo.CmdNextFixReview:
		return session.RoleFixer
	case todo.CmdNextFinalize:
		return session.RoleFinalizer
	default:
		return session.RolePeer
	}
}

// workerPrompt builds the initial prompt seeded into a worker's pane. The
// prompt names the files the mechanical verifier will check, so the agent
// and the verifier agree on what "done" means.
func workerPrompt(d todo.Directive) string {
	bundle := path.Join(constants.DirTodos, d.Slug)
	var b strings.Builder

	switch d.Command {
	case todo.CmdNextPrepare:
		fmt.Fprintf(&b, "Prepare the work item %q in this repository.\n", d.Slug)
		fmt.Fprintf(&b, "Study the codebase, then write %s/%s and %s/%s.\n",
			bundle, constants.FileRequirements, bundle, constants.FilePlan)
		fmt.Fprintf(&b, "The plan must be a markdown checklist (- [ ] items) of concrete build steps.\n")

	case todo.CmdNextBuild:
		fmt.Fprintf(&b, "Build the work item %q inside %s/ (a git worktree on branch %s).\n",
			d.Slug, d.Subfolder, d.Slug)
		fmt.Fprintf(&b, "Work through the unchecked items in %s/%s, checking each off as it lands.\n",
			bundle, constants.FilePlan)
		fmt.Fprintf(&b, "Record gate results in %s/%s under a Build Gates section.\n",
			bundle, constants.FileQualityChecklist)
		fmt.Fprintf(&b, "Commit as you go; leave the worktree clean.\n")

	case todo.CmdNextReview:
		fmt.Fprintf(&b, "Review the work item %q inside %s/.\n", d.Slug, d.Subfolder)
		fmt.Fprintf(&b, "Check the changes against %s/%s, then write %s/%s.\n",
			bundle, constants.FileRequirements, bundle, constants.FileReviewFindings)
		fmt.Fprintf(&b, "End the findings with a verdict line: APPROVE or REQUEST CHANGES.\n")
		fmt.Fprintf(&b, "Stay in this session after writing the verdict; a fixer may be connected to you.\n")

	case todo.CmdNextFixReview:
		fmt.Fprintf(&b, "Fix the review findings for work item %q inside %s/.\n", d.Slug, d.Subfolder)
		fmt.Fprintf(&b, "Address every item in %s/%s and commit the fixes.\n",
			bundle, constants.FileReviewFindings)
		fmt.Fprintf(&b, "If a reviewer is connected, answer them directly in this session.\n")

	case todo.CmdNextFinalize:
		fmt.Fprintf(&b, "Finalize the work item %q from the repository root.\n", d.Slug)
		fmt.Fprintf(&b, "Merge the branch %s, remove the worktree under %s/%s, and complete %s/%s.\n",
			d.Slug, constants.DirTrees, d.Slug, bundle, constants.FileQualityChecklist)
		fmt.Fprintf(&b, "Then archive the bundle: telec todo archive %s\n", d.Slug)

	case todo.CmdCommitPending:
		fmt.Fprintf(&b, "The worktree %s/ has uncommitted changes for work item %q.\n", d.Subfolder, d.Slug)
		fmt.Fprintf(&b, "Review them and commit everything with a message that describes the change.\n")

	default:
		fmt.Fprintf(&b, "Run %s for work item %q.\n", d.Command, d.Slug)
	}

	if d.Note != "" {
		fmt.Fprintf(&b, "Note: %s.\n", d.Note)
	}
	fmt.Fprintf(&b, "Exit when finished.")
	return b.String()
}
