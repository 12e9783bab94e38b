// Package dispatch runs the orchestrator loop for one work item: it turns
// state-machine directives into worker sessions, waits for each worker to
// finish, and applies the command's post-completion recipe before asking the
// state machine again. All durable state lives in the work-item bundle; the
// orchestrator itself can be discarded and restarted at any step.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/todo"
)

// Workers is the slice of the session layer the orchestrator drives. The
// daemon implements it over the registry, bridge, pollers, and relay
// manager.
type Workers interface {
	// Spawn creates a worker session and seeds its initial prompt.
	Spawn(ctx context.Context, spec session.Spec, prompt string) (*session.Session, error)
	// Wait blocks until the session's agent exits, the session is ended,
	// or ctx is done.
	Wait(ctx context.Context, sessionID string) error
	// End closes the session and destroys its pane. Idempotent.
	End(sessionID, reason string) error
	// Alive reports whether the session's agent is still running.
	Alive(sessionID string) bool
	// Link establishes the 1:1 relay between two live sessions.
	// Idempotent per pair.
	Link(a, b string) (relayID string, created bool, err error)
}

// Options configure one orchestrator.
type Options struct {
	// Project is the main repository path.
	Project string
	// Slug pins the work item; empty means the roadmap's current item.
	Slug string
	// WaitTimeout bounds each worker wait. Zero means
	// constants.DefaultSessionWaitTimeout.
	WaitTimeout time.Duration
	// StallLimit is how many times the same directive may repeat without
	// filesystem progress before the run gives up. Zero means
	// constants.DefaultStallLimit.
	StallLimit int
	// VerdictSettle bounds the wait for a live reviewer to rewrite its
	// findings after a fix round. Zero means
	// constants.VerdictSettleTimeout.
	VerdictSettle time.Duration
}

// Orchestrator executes directives for a single work item. Run methods are
// not reentrant; the daemon keeps one orchestrator per active (project,
// slug) pair.
type Orchestrator struct {
	machine *todo.Machine
	workers Workers
	logger  *log.Logger
	opts    Options

	// lastSlug is the most recent slug a directive carried, so closure
	// policy can act even when an error directive omits it.
	lastSlug string
}

// New builds an orchestrator over a state machine and a worker layer.
func New(machine *todo.Machine, workers Workers, logger *log.Logger, opts Options) *Orchestrator {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = constants.DefaultSessionWaitTimeout
	}
	if opts.StallLimit <= 0 {
		opts.StallLimit = constants.DefaultStallLimit
	}
	if opts.VerdictSettle <= 0 {
		opts.VerdictSettle = constants.VerdictSettleTimeout
	}
	return &Orchestrator{machine: machine, workers: workers, logger: logger, opts: opts}
}

// RunPrepare drives the preparation phase until the bundle is prepared or a
// terminal error stops it. The returned directive is the stopping point.
func (o *Orchestrator) RunPrepare(ctx context.Context) (todo.Directive, error) {
	return o.run(ctx, func() todo.Directive {
		return o.machine.NextPrepare(o.opts.Project, o.opts.Slug)
	})
}

// RunWork drives the work item from wherever its files say it is until the
// archive lands in done/ or a terminal error stops it.
func (o *Orchestrator) RunWork(ctx context.Context) (todo.Directive, error) {
	return o.run(ctx, func() todo.Directive {
		return o.machine.NextWork(o.opts.Project, o.opts.Slug)
	})
}

// run is the loop: ask the state machine, execute tool calls, stop on
// anything terminal. The error return is reserved for cancellation and
// infrastructure failures; workflow outcomes arrive as directives.
func (o *Orchestrator) run(ctx context.Context, next func() todo.Directive) (todo.Directive, error) {
	var lastPrint string
	var repeats int
	for {
		if err := ctx.Err(); err != nil {
			return todo.Directive{}, err
		}

		d := next()
		if d.Slug != "" {
			o.lastSlug = d.Slug
		}

		switch d.Kind {
		case todo.DirectivePreparedOK:
			o.logger.Printf("[dispatch] %s: prepared", d.Slug)
			return d, nil

		case todo.DirectiveCompleteOK:
			if err := todo.UpdateStatus(o.opts.Project, d.Slug, todo.StatusDone); err != nil {
				o.logger.Printf("[dispatch] %s: marking roadmap done: %v", d.Slug, err)
			}
			o.logger.Printf("[dispatch] %s: complete, archived at %s", d.Slug, d.ArchivePath)
			return d, nil

		case todo.DirectiveError:
			return o.terminalError(ctx, d), nil

		case todo.DirectiveToolCall:
			print := o.fingerprint(d)
			if print == lastPrint {
				repeats++
			} else {
				lastPrint, repeats = print, 0
			}
			if repeats >= o.opts.StallLimit {
				o.emitSignal(ctx, d.Slug, fmt.Sprintf(
					"%s repeated %d times for %s without progress", d.Command, repeats+1, d.Slug))
				return todo.Directive{
					Kind:    todo.DirectiveError,
					Code:    todo.CodeInternal,
					Message: fmt.Sprintf("%s made no progress after %d attempts", d.Command, repeats+1),
					Slug:    d.Slug,
				}, nil
			}

			terminal, err := o.step(ctx, d)
			if err != nil {
				return todo.Directive{}, err
			}
			if terminal != nil {
				return *terminal, nil
			}

		default:
			return todo.Directive{}, fmt.Errorf("state machine returned unknown directive %v", d.Kind)
		}
	}
}

// fingerprint distinguishes "the same directive again" from "the same
// command making progress": a builder that checks off boxes between rounds
// changes the print even though the command repeats.
func (o *Orchestrator) fingerprint(d todo.Directive) string {
	extra := ""
	if d.Command == todo.CmdNextBuild {
		if plan, err := os.ReadFile(filepath.Join(o.bundleDir(d.Slug), constants.FilePlan)); err == nil {
			extra = fmt.Sprintf("unchecked=%d", todo.CountUncheckedBoxes(string(plan)))
		}
	}
	return d.Command + "|" + d.Slug + "|" + extra
}

// step executes one tool call. A nil, nil return means the loop continues;
// a non-nil directive is terminal for the run.
func (o *Orchestrator) step(ctx context.Context, d todo.Directive) (*todo.Directive, error) {
	if d.RetryAfter > 0 {
		o.logger.Printf("[dispatch] %s: agents busy, retrying %s in %s", d.Slug, d.Command, d.RetryAfter)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.RetryAfter):
		}
	}
	if d.Command == todo.CmdNextReview {
		return o.reviewStep(ctx, d)
	}
	return o.genericStep(ctx, d)
}

// genericStep is spawn → wait for exit → post-completion.
func (o *Orchestrator) genericStep(ctx context.Context, d todo.Directive) (*todo.Directive, error) {
	sess, err := o.spawn(ctx, d)
	if err != nil {
		return nil, err
	}
	terminal, err := o.waitWorker(ctx, d, sess)
	if err != nil || terminal != nil {
		return terminal, err
	}
	return o.completeGeneric(d, sess)
}

func (o *Orchestrator) spawn(ctx context.Context, d todo.Directive) (*session.Session, error) {
	spec := session.Spec{
		AgentKind:   d.Agent,
		Tier:        d.Tier,
		Role:        roleForCommand(d.Command),
		ProjectPath: d.Project,
		Subfolder:   d.Subfolder,
	}
	sess, err := o.workers.Spawn(ctx, spec, workerPrompt(d))
	if err != nil {
		return nil, fmt.Errorf("spawning %s worker: %w", d.Command, err)
	}
	o.logger.Printf("[dispatch] %s: %s -> session %s (%s/%s)", d.Slug, d.Command, sess.ID, d.Agent, d.Tier)
	return sess, nil
}

// waitWorker blocks until the worker exits. On cancellation the session is
// ended explicitly; panes are never implicitly killed. A timeout leaves the
// session alive as the signal flag.
func (o *Orchestrator) waitWorker(ctx context.Context, d todo.Directive, sess *session.Session) (*todo.Directive, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.opts.WaitTimeout)
	defer cancel()

	err := o.workers.Wait(waitCtx, sess.ID)
	switch {
	case err == nil:
		return nil, nil
	case ctx.Err() != nil:
		if endErr := o.workers.End(sess.ID, "orchestrator cancelled"); endErr != nil {
			o.logger.Printf("[dispatch] ending %s after cancel: %v", sess.ID, endErr)
		}
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		reason := fmt.Sprintf("%s worker exceeded %s", d.Command, o.opts.WaitTimeout)
		o.raiseSignal(d.Slug, sess.ID, reason)
		return &todo.Directive{
			Kind:    todo.DirectiveError,
			Code:    todo.CodeInternal,
			Message: reason + "; session " + sess.ID + " left running as signal",
			Slug:    d.Slug,
		}, nil
	default:
		return nil, fmt.Errorf("waiting for %s: %w", sess.ID, err)
	}
}

// bundleDir mirrors the state machine's bundle resolution: the worktree's
// copy wins while a worktree exists.
func (o *Orchestrator) bundleDir(slug string) string {
	wt := filepath.Join(o.opts.Project, constants.DirTrees, slug, constants.DirTodos, slug)
	if fi, err := os.Stat(wt); err == nil && fi.IsDir() {
		return wt
	}
	return filepath.Join(o.opts.Project, constants.DirTodos, slug)
}

func (o *Orchestrator) updateState(slug string, mutate func(*todo.State)) error {
	bundle := o.bundleDir(slug)
	st, err := todo.LoadState(bundle)
	if err != nil {
		return err
	}
	mutate(st)
	return todo.SaveState(bundle, st)
}

// raiseSignal records a live session in state.yaml as the human-visible
// flag for a non-recoverable condition. The session is deliberately left
// running; `telec sessions ack` ends it and clears the field.
func (o *Orchestrator) raiseSignal(slug, sessionID, reason string) {
	o.logger.Printf("[dispatch] %s: signal session %s: %s", slug, sessionID, reason)
	if err := o.updateState(slug, func(st *todo.State) { st.Signal = sessionID }); err != nil {
		o.logger.Printf("[dispatch] %s: recording signal: %v", slug, err)
	}
}

// emitSignal spawns a shell pane holding a message and records it as the
// signal session, for conditions with no worker left to point at.
func (o *Orchestrator) emitSignal(ctx context.Context, slug, message string) {
	spec := session.Spec{
		AgentKind:   agent.KindShell,
		Role:        session.RoleHuman,
		ProjectPath: o.opts.Project,
	}
	sess, err := o.workers.Spawn(ctx, spec, fmt.Sprintf("echo %q", message))
	if err != nil {
		o.logger.Printf("[dispatch] %s: emitting signal session: %v", slug, err)
		return
	}
	o.raiseSignal(slug, sess.ID, message)
}

// terminalError applies the closure policy before surfacing a terminal
// directive. Only the review-round limit carries extra obligations: mark
// the item blocked and leave a signal behind.
func (o *Orchestrator) terminalError(ctx context.Context, d todo.Directive) todo.Directive {
	slug := d.Slug
	if slug == "" {
		slug = o.lastSlug
	}
	if slug == "" {
		slug = o.opts.Slug
	}
	if d.Code == todo.CodeReviewRoundLimit && slug != "" {
		if err := todo.UpdateStatus(o.opts.Project, slug, todo.StatusBlocked); err != nil {
			o.logger.Printf("[dispatch] %s: marking blocked: %v", slug, err)
		}
		o.emitSignal(ctx, slug, d.Message)
	}
	o.logger.Printf("[dispatch] %s: stopping: %s", slug, d)
	return d
}

func (o *Orchestrator) end(sess *session.Session, reason string) {
	if err := o.workers.End(sess.ID, reason); err != nil {
		o.logger.Printf("[dispatch] ending %s (%s): %v", sess.ID, reason, err)
	}
}
