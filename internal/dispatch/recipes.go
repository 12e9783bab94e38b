package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/todo"
)

// completeGeneric applies the post-completion recipe for every command
// except next-review: verify artifacts, end the child, fold the result into
// state.yaml. A verify failure leaves the worker alive as the signal.
func (o *Orchestrator) completeGeneric(d todo.Directive, sess *session.Session) (*todo.Directive, error) {
	switch d.Command {
	case todo.CmdNextPrepare:
		if term := o.verifyOrSignal(d, sess, todo.PhasePrepare); term != nil {
			return term, nil
		}
		o.end(sess, "prepare complete")
		return nil, o.updateState(d.Slug, func(st *todo.State) {
			st.SetStatus(todo.PhasePrepare, todo.PhaseComplete)
			st.Phase = todo.PhaseBuild
		})

	case todo.CmdCommitPending:
		o.end(sess, "commit complete")
		return nil, nil

	case todo.CmdNextBuild:
		if term := o.verifyOrSignal(d, sess, todo.PhaseBuild); term != nil {
			return term, nil
		}
		o.end(sess, "build round complete")
		// A fully checked plan moves the phase forward; leftover boxes
		// mean the next loop dispatches another build round.
		plan, err := os.ReadFile(filepath.Join(o.bundleDir(d.Slug), constants.FilePlan))
		if err != nil {
			return nil, fmt.Errorf("re-reading plan after build: %w", err)
		}
		if todo.CountUncheckedBoxes(string(plan)) > 0 {
			return nil, nil
		}
		return nil, o.updateState(d.Slug, func(st *todo.State) {
			st.SetStatus(todo.PhaseBuild, todo.PhaseComplete)
			st.Phase = todo.PhaseReview
		})

	case todo.CmdNextFixReview:
		// Plain fix dispatch: the reviewer is gone, so nobody will rewrite
		// the findings. Stash them so the next loop runs a fresh review,
		// and count the round.
		o.end(sess, "fix round complete")
		if err := o.stashFindings(d.Slug); err != nil {
			return nil, err
		}
		return nil, o.updateState(d.Slug, func(st *todo.State) {
			st.ReviewRound++
			st.SetStatus(todo.PhaseReview, todo.PhasePending)
		})

	case todo.CmdNextFinalize:
		if err := todo.VerifyArtifacts(o.opts.Project, "", d.Slug, todo.PhaseFinalize); err != nil {
			o.raiseSignal(d.Slug, sess.ID, err.Error())
			return &todo.Directive{
				Kind:    todo.DirectiveError,
				Code:    todo.CodeVerify,
				Message: err.Error(),
				Slug:    d.Slug,
			}, nil
		}
		// The bundle has moved under done/; state.yaml went with it.
		o.end(sess, "finalized")
		return nil, nil

	default:
		return nil, fmt.Errorf("no post-completion recipe for command %q", d.Command)
	}
}

// verifyOrSignal runs the mechanical artifact check for a phase. On failure
// the worker stays alive as the signal flag and the run stops.
func (o *Orchestrator) verifyOrSignal(d todo.Directive, sess *session.Session, phase todo.Phase) *todo.Directive {
	if err := todo.VerifyArtifacts(o.opts.Project, o.worktree(d), d.Slug, phase); err != nil {
		o.raiseSignal(d.Slug, sess.ID, err.Error())
		return &todo.Directive{
			Kind:    todo.DirectiveError,
			Code:    todo.CodeVerify,
			Message: err.Error(),
			Slug:    d.Slug,
		}
	}
	return nil
}

// worktree resolves the directive's subfolder to an absolute path.
func (o *Orchestrator) worktree(d todo.Directive) string {
	if d.Subfolder == "" {
		return ""
	}
	return filepath.Join(o.opts.Project, d.Subfolder)
}

// stashFindings renames review-findings.md to a per-round name so the state
// machine sees "no findings" and dispatches a fresh review.
func (o *Orchestrator) stashFindings(slug string) error {
	bundle := o.bundleDir(slug)
	st, err := todo.LoadState(bundle)
	if err != nil {
		return err
	}
	src := filepath.Join(bundle, constants.FileReviewFindings)
	dst := filepath.Join(bundle, fmt.Sprintf("review-findings.round-%d.md", st.ReviewRound+1))
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stashing findings: %w", err)
	}
	return nil
}

// reviewStep runs the next-review recipe. The reviewer is expected to write
// its verdict while its agent is still running, which is what makes the
// live-reviewer conversation possible; a reviewer that exits first falls
// back to the state machine's plain fix dispatch.
func (o *Orchestrator) reviewStep(ctx context.Context, d todo.Directive) (*todo.Directive, error) {
	reviewer, err := o.spawn(ctx, d)
	if err != nil {
		return nil, err
	}

	verdict, alive, err := o.waitVerdict(ctx, d, reviewer)
	if err != nil {
		return nil, err
	}

	switch verdict {
	case todo.VerdictApprove:
		o.end(reviewer, "approved")
		return nil, o.approveReview(d.Slug)

	case todo.VerdictChangesRequested:
		if err := o.updateState(d.Slug, func(st *todo.State) {
			st.SetStatus(todo.PhaseReview, todo.PhaseChangesRequested)
		}); err != nil {
			return nil, err
		}
		if !alive {
			// Dead reviewer: leave the findings in place and let the
			// state machine dispatch the plain fix on the next loop.
			o.end(reviewer, "changes requested")
			return nil, nil
		}
		return o.peerConversation(ctx, d, reviewer)

	default:
		reason := "reviewer left no clear verdict"
		if alive {
			reason = fmt.Sprintf("reviewer silent after %s", o.opts.WaitTimeout)
		}
		o.raiseSignal(d.Slug, reviewer.ID, reason)
		return &todo.Directive{
			Kind:    todo.DirectiveError,
			Code:    todo.CodeAmbiguousVerdict,
			Message: reason + "; session " + reviewer.ID + " left running as signal",
			Slug:    d.Slug,
		}, nil
	}
}

// waitVerdict polls for a verdict in review-findings.md until one appears,
// the reviewer exits, or the wait times out. The bool reports whether the
// reviewer's agent was still running when the verdict was read.
func (o *Orchestrator) waitVerdict(ctx context.Context, d todo.Directive, reviewer *session.Session) (todo.Verdict, bool, error) {
	findings := filepath.Join(o.bundleDir(d.Slug), constants.FileReviewFindings)
	deadline := time.Now().Add(o.opts.WaitTimeout)
	tick := time.NewTicker(constants.WaitPollInterval)
	defer tick.Stop()

	for {
		if v := readVerdict(findings); v != todo.VerdictNone {
			return v, o.workers.Alive(reviewer.ID), nil
		}
		if !o.workers.Alive(reviewer.ID) {
			// The verdict may have landed with the exit.
			return readVerdict(findings), false, nil
		}
		if time.Now().After(deadline) {
			return todo.VerdictNone, true, nil
		}
		select {
		case <-ctx.Done():
			if err := o.workers.End(reviewer.ID, "orchestrator cancelled"); err != nil {
				o.logger.Printf("[dispatch] ending %s after cancel: %v", reviewer.ID, err)
			}
			return todo.VerdictNone, false, ctx.Err()
		case <-tick.C:
		}
	}
}

func readVerdict(path string) todo.Verdict {
	data, err := os.ReadFile(path)
	if err != nil {
		return todo.VerdictNone
	}
	return todo.ParseVerdict(string(data))
}

// peerConversation is the live-reviewer fix loop: dispatch a fixer, wire a
// 1:1 relay so the two argue in real time, wait for the fixer to finish,
// then re-read the verdict the reviewer rewrote. Rounds are counted and the
// closure policy caps them.
func (o *Orchestrator) peerConversation(ctx context.Context, d todo.Directive, reviewer *session.Session) (*todo.Directive, error) {
	findings := filepath.Join(o.bundleDir(d.Slug), constants.FileReviewFindings)

	for {
		st, err := todo.LoadState(o.bundleDir(d.Slug))
		if err != nil {
			return nil, err
		}
		if st.ReviewRound >= o.machine.MaxReviewRounds() {
			return o.closeReview(d, reviewer), nil
		}

		fd := o.machine.NextWork(o.opts.Project, d.Slug)
		if fd.Kind == todo.DirectiveToolCall && fd.Command == todo.CmdCommitPending {
			// State and findings writes dirty the worktree mid-review;
			// mop up and stay in the conversation.
			if term, err := o.genericStep(ctx, fd); err != nil || term != nil {
				if err != nil {
					o.end(reviewer, "orchestrator cancelled")
				}
				return term, err
			}
			continue
		}
		if fd.Kind != todo.DirectiveToolCall || fd.Command != todo.CmdNextFixReview {
			// The filesystem moved under us; release the reviewer and let
			// the main loop decide what the files now mean.
			o.end(reviewer, "review superseded")
			return nil, nil
		}
		if fd.RetryAfter > 0 {
			select {
			case <-ctx.Done():
				o.end(reviewer, "orchestrator cancelled")
				return nil, ctx.Err()
			case <-time.After(fd.RetryAfter):
			}
		}

		before := mtimeOf(findings)
		fixer, err := o.spawn(ctx, fd)
		if err != nil {
			o.end(reviewer, "fixer spawn failed")
			return nil, err
		}
		if _, _, err := o.workers.Link(reviewer.ID, fixer.ID); err != nil {
			o.logger.Printf("[dispatch] %s: linking reviewer %s to fixer %s: %v",
				d.Slug, reviewer.ID, fixer.ID, err)
		}

		if term, err := o.waitWorker(ctx, fd, fixer); err != nil || term != nil {
			if err != nil {
				o.end(reviewer, "orchestrator cancelled")
			}
			return term, err
		}
		o.end(fixer, "fix round complete")

		verdict, err := o.rereadVerdict(ctx, findings, before)
		if err != nil {
			o.end(reviewer, "orchestrator cancelled")
			return nil, err
		}

		switch verdict {
		case todo.VerdictApprove:
			o.end(reviewer, "approved")
			return nil, o.approveReview(d.Slug)
		default:
			// Still changes requested (or the reviewer never re-read):
			// count the round and go again. The limit check at the top
			// of the loop is the only exit on this path.
			if err := o.updateState(d.Slug, func(st *todo.State) { st.ReviewRound++ }); err != nil {
				return nil, err
			}
			o.logger.Printf("[dispatch] %s: review round %d still has changes requested", d.Slug, st.ReviewRound+1)
		}
	}
}

// rereadVerdict waits for the reviewer to rewrite the findings after a fix
// round, bounded by the verdict settle window. A stale file keeps its old
// verdict, which the caller treats as changes-requested.
func (o *Orchestrator) rereadVerdict(ctx context.Context, findings string, before time.Time) (todo.Verdict, error) {
	deadline := time.Now().Add(o.opts.VerdictSettle)
	tick := time.NewTicker(constants.WaitPollInterval)
	defer tick.Stop()

	for {
		if mt := mtimeOf(findings); mt.After(before) {
			return readVerdict(findings), nil
		}
		if time.Now().After(deadline) {
			return readVerdict(findings), nil
		}
		select {
		case <-ctx.Done():
			return todo.VerdictNone, ctx.Err()
		case <-tick.C:
		}
	}
}

func mtimeOf(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func (o *Orchestrator) approveReview(slug string) error {
	return o.updateState(slug, func(st *todo.State) {
		st.SetStatus(todo.PhaseReview, todo.PhaseApproved)
		st.Phase = todo.PhaseFinalize
	})
}

// closeReview is the closure policy: the round limit was hit with a live
// reviewer, so the item is marked blocked and the reviewer becomes the
// signal flag instead of being ended.
func (o *Orchestrator) closeReview(d todo.Directive, reviewer *session.Session) *todo.Directive {
	limit := o.machine.MaxReviewRounds()
	if err := todo.UpdateStatus(o.opts.Project, d.Slug, todo.StatusBlocked); err != nil {
		o.logger.Printf("[dispatch] %s: marking blocked: %v", d.Slug, err)
	}
	o.raiseSignal(d.Slug, reviewer.ID, fmt.Sprintf("review round limit of %d reached", limit))
	return &todo.Directive{
		Kind:    todo.DirectiveError,
		Code:    todo.CodeReviewRoundLimit,
		Message: fmt.Sprintf("review round limit of %d reached; %s marked blocked", limit, d.Slug),
		Slug:    d.Slug,
	}
}
