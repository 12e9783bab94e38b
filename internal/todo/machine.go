package todo

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/git"
)

// noteCollaborator seeds the preparation worker's stance.
const noteCollaborator = "engage as collaborator"

// Machine decides the next action for a work item. It is safe to share:
// all state lives in the files it reads.
type Machine struct {
	picker          *availability.Picker
	gates           []string
	maxReviewRounds int
}

// NewMachine builds a state machine over the given agent picker, build-gate
// commands, and review-round limit.
func NewMachine(picker *availability.Picker, gates []string, maxReviewRounds int) *Machine {
	if maxReviewRounds <= 0 {
		maxReviewRounds = constants.DefaultMaxReviewRounds
	}
	return &Machine{picker: picker, gates: gates, maxReviewRounds: maxReviewRounds}
}

// resolveSlug returns the explicit slug, or the roadmap's current item. A
// pending item is promoted to in-progress as it is picked up.
func resolveSlug(workingDir, slug string) (string, Directive) {
	if slug != "" {
		return slug, Directive{}
	}
	r, err := LoadRoadmap(workingDir)
	if err != nil {
		if errors.Is(err, ErrNoRoadmap) {
			return "", errorDirective(CodeNoWork, "No pending items in roadmap.")
		}
		return "", errorDirective(CodeInternal, "loading roadmap: %v", err)
	}
	item, ok := r.NextSlug()
	if !ok {
		return "", errorDirective(CodeNoWork, "No pending items in roadmap.")
	}
	if item.Status == StatusPending {
		if err := r.SetStatus(item.Slug, StatusInProgress); err != nil {
			return "", errorDirective(CodeInternal, "promoting %s: %v", item.Slug, err)
		}
	}
	return item.Slug, Directive{}
}

// toolCall assembles a ToolCall directive, picking the agent for the task.
func (m *Machine) toolCall(command, slug, workingDir, subfolder, note string, task agent.Task) Directive {
	c, wait, err := m.picker.Pick(task)
	if err != nil {
		return errorDirective(CodeNoAgent, "picking agent for %s: %v", task, err)
	}
	return Directive{
		Kind:       DirectiveToolCall,
		Slug:       slug,
		Command:    command,
		Args:       slug,
		Project:    workingDir,
		Agent:      c.Kind,
		Tier:       c.Tier,
		Subfolder:  subfolder,
		Note:       note,
		RetryAfter: wait,
	}
}

// NextPrepare drives Phase A: produce requirements and an implementation
// plan for the current work item.
func (m *Machine) NextPrepare(workingDir, slug string) Directive {
	slug, errd := resolveSlug(workingDir, slug)
	if errd.IsError() {
		return errd
	}

	bundle := filepath.Join(workingDir, constants.DirTodos, slug)
	for _, name := range []string{constants.FileRequirements, constants.FilePlan} {
		if _, err := os.Stat(filepath.Join(bundle, name)); err != nil {
			return m.toolCall(CmdNextPrepare, slug, workingDir, "", noteCollaborator, agent.TaskPrepare)
		}
	}
	return preparedOK(slug)
}

// NextWork drives Phase B. The checks run in a fixed order and the first
// match wins; calling again without a filesystem change returns the same
// directive.
func (m *Machine) NextWork(workingDir, slug string) Directive {
	slug, errd := resolveSlug(workingDir, slug)
	if errd.IsError() {
		return errd
	}

	if archive, ok := FindArchive(workingDir, slug); ok {
		return completeOK(slug, archive)
	}

	mainBundle := filepath.Join(workingDir, constants.DirTodos, slug)
	for _, name := range []string{constants.FileRequirements, constants.FilePlan} {
		if _, err := os.Stat(filepath.Join(mainBundle, name)); err != nil {
			return errorDirective(CodeNotPrepared, "run next_prepare first")
		}
	}

	worktree := filepath.Join(workingDir, constants.DirTrees, slug)
	subfolder := filepath.Join(constants.DirTrees, slug)
	if _, err := git.NewGit(workingDir).EnsureWorktree(worktree, slug); err != nil {
		return errorDirective(CodeGit, "ensuring worktree %s: %v", subfolder, err)
	}

	dirty, err := git.NewGit(worktree).HasUncommittedChanges()
	if err != nil {
		return errorDirective(CodeGit, "checking worktree: %v", err)
	}
	if dirty {
		return m.toolCall(CmdCommitPending, slug, workingDir, subfolder, "", agent.TaskCommit)
	}

	if report := RunGates(worktree, m.gates); !report.Passed() {
		return errorDirective(CodeBuildGate, "%s", report.Summary())
	}

	if err := VerifyArtifacts(workingDir, worktree, slug, PhaseBuild); err != nil {
		return errorDirective(CodeVerify, "%v", err)
	}

	bundle := bundleDir(workingDir, worktree, slug)
	plan, err := os.ReadFile(filepath.Join(bundle, constants.FilePlan))
	if err != nil {
		return errorDirective(CodeNotPrepared, "run next_prepare first")
	}
	if CountUncheckedBoxes(string(plan)) > 0 {
		return m.toolCall(CmdNextBuild, slug, workingDir, subfolder, "", agent.TaskBuild)
	}

	findingsPath := filepath.Join(bundle, constants.FileReviewFindings)
	findings, err := os.ReadFile(findingsPath)
	if err != nil {
		return m.toolCall(CmdNextReview, slug, workingDir, subfolder, "", agent.TaskReview)
	}

	switch ParseVerdict(string(findings)) {
	case VerdictChangesRequested:
		state, err := LoadState(bundle)
		if err != nil {
			return errorDirective(CodeVerify, "%v", err)
		}
		if state.ReviewRound >= m.maxReviewRounds {
			return errorDirective(CodeReviewRoundLimit,
				"review round %d reached the limit of %d; mark %s blocked and move on",
				state.ReviewRound, m.maxReviewRounds, slug)
		}
		return m.toolCall(CmdNextFixReview, slug, workingDir, subfolder, "", agent.TaskFix)
	case VerdictApprove:
		return m.toolCall(CmdNextFinalize, slug, workingDir, "", "", agent.TaskFinalize)
	default:
		return errorDirective(CodeAmbiguousVerdict, "no clear verdict in %s", findingsPath)
	}
}

// MaxReviewRounds returns the configured review-round limit.
func (m *Machine) MaxReviewRounds() int {
	return m.maxReviewRounds
}
