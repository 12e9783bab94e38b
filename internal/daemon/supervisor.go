package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/poller"
	"github.com/teleclaude/teleclaude/internal/relay"
	"github.com/teleclaude/teleclaude/internal/session"
)

// Terminal is the slice of the tmux bridge the supervisor drives.
type Terminal interface {
	EnsureFresh(handle string) (bool, error)
	CreatePane(handle, shell, cwd string) error
	SendInput(handle, text string, appendExitMarker bool) error
	Capture(handle string) (string, error)
	AtShellPrompt(handle string) (bool, error)
	Destroy(handle string) error
	Interrupt(handle string) error
}

// PaneOptions sets the polling cadence sessions are supervised with.
type PaneOptions struct {
	PollInterval  time.Duration
	IdleThreshold time.Duration
	EventBuffer   int
}

// SupervisorConfig wires a supervisor's collaborators.
type SupervisorConfig struct {
	Registry     *session.Registry
	Terminal     Terminal
	Relays       *relay.Manager
	Outputs      *adapter.Outputs
	Port         adapter.Port
	Availability *availability.Table
	Scanner      *availability.Scanner
	Logger       *log.Logger
	Panes        PaneOptions
}

// Supervisor owns the live panes. It spawns sessions, runs one poller per
// pane, fans poller events into the relay table and the chat adapters, and
// tears sessions down again. It is what the dispatch layer drives workers
// through.
type Supervisor struct {
	registry *session.Registry
	bridge   Terminal
	relays   *relay.Manager
	outputs  *adapter.Outputs
	port     adapter.Port
	avail    *availability.Table
	logger   *log.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu           sync.Mutex
	scanner      *availability.Scanner
	panes        PaneOptions
	workers      map[string]*worker
	flushPending bool
}

// worker is the runtime side of one supervised session.
type worker struct {
	poller *poller.Poller
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor builds a supervisor with no live sessions.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Supervisor{
		registry: cfg.Registry,
		bridge:   cfg.Terminal,
		relays:   cfg.Relays,
		outputs:  cfg.Outputs,
		port:     cfg.Port,
		avail:    cfg.Availability,
		logger:   cfg.Logger,
		base:     base,
		stop:     stop,
		scanner:  cfg.Scanner,
		panes:    cfg.Panes,
		workers:  make(map[string]*worker),
	}
}

// Reconfigure swaps the polling knobs and the rate-limit scanner. Running
// sessions keep their cadence; new spawns pick up the change.
func (s *Supervisor) Reconfigure(panes PaneOptions, scanner *availability.Scanner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panes = panes
	s.scanner = scanner
}

// Shutdown stops every poller and waits for their pumps to drain. Panes and
// session records are left alone; they outlive the daemon and reconcile on
// the next start.
func (s *Supervisor) Shutdown() {
	s.stop()
	s.wg.Wait()
}

// Spawn creates the session record, brings its pane up, launches the agent,
// seeds the initial prompt, and starts the output poller.
func (s *Supervisor) Spawn(ctx context.Context, spec session.Spec, prompt string) (*session.Session, error) {
	if spec.AgentKind != agent.KindShell && spec.Tier == "" {
		spec.Tier = agent.TierMedium
	}
	sess, err := s.registry.Create(spec)
	if err != nil {
		return nil, err
	}
	if err := s.preparePane(ctx, sess, prompt); err != nil {
		if closeErr := s.registry.Close(sess.ID, "spawn failed"); closeErr != nil {
			s.logger.Printf("[supervisor] %s: closing after failed spawn: %v", sess.ID, closeErr)
		}
		_ = s.bridge.Destroy(sess.TerminalHandle)
		return nil, err
	}

	// Prime the baseline so the launch command and prompt echoes never
	// come back as session output.
	baseline, err := s.bridge.Capture(sess.TerminalHandle)
	if err != nil {
		s.logger.Printf("[supervisor] %s: priming baseline: %v", sess.ID, err)
	}

	s.mu.Lock()
	panes := s.panes
	s.mu.Unlock()

	opts := poller.Options{
		Interval:        panes.PollInterval,
		IdleThreshold:   panes.IdleThreshold,
		BufferSize:      panes.EventBuffer,
		DetectAgentExit: sess.AgentKind != agent.KindShell,
		Baseline:        baseline,
	}
	if sess.ChatBinding != nil {
		if _, ok := adapter.ParseTopic(sess.ChatBinding.Topic); ok {
			opts.Interval = s.port.PeerPollInterval()
		}
	}

	p := poller.New(s.bridge, sess.TerminalHandle, opts)
	wctx, cancel := context.WithCancel(s.base)
	w := &worker{poller: p, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.workers[sess.ID] = w
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		p.Run(wctx)
	}()
	go s.pump(sess, w)

	s.logger.Printf("[supervisor] session %s up: %s %s in %s", sess.ID, sess.AgentKind, sess.Role, sess.TerminalHandle)
	return sess, nil
}

// preparePane brings the session's pane to the point where output polling
// can start: fresh pane, agent launched, prompt delivered.
func (s *Supervisor) preparePane(ctx context.Context, sess *session.Session, prompt string) error {
	handle := sess.TerminalHandle
	cleared, err := s.bridge.EnsureFresh(handle)
	if err != nil {
		return fmt.Errorf("checking pane %s: %w", handle, err)
	}
	if cleared {
		s.logger.Printf("[supervisor] cleared zombie pane %s", handle)
	}

	cwd := sess.ProjectPath
	if sess.Subfolder != "" {
		cwd = filepath.Join(sess.ProjectPath, sess.Subfolder)
	}
	if err := s.bridge.CreatePane(handle, "", cwd); err != nil {
		return fmt.Errorf("creating pane %s: %w", handle, err)
	}

	if sess.AgentKind != agent.KindShell {
		launch, err := agent.Launch(sess.AgentKind, sess.Tier)
		if err != nil {
			return err
		}
		if err := s.bridge.SendInput(handle, launch.CommandLine(), false); err != nil {
			return fmt.Errorf("launching %s: %w", sess.AgentKind, err)
		}
		if err := s.waitForAgent(ctx, handle); err != nil {
			return fmt.Errorf("starting %s in %s: %w", sess.AgentKind, handle, err)
		}
	}

	if prompt != "" {
		// Shell commands chain the exit marker so completion is
		// observable. Agent prompts must not; the suffix would land
		// inside the agent's input box.
		marker := sess.AgentKind == agent.KindShell
		if err := s.bridge.SendInput(handle, prompt, marker); err != nil {
			return fmt.Errorf("seeding prompt: %w", err)
		}
	}
	return nil
}

// waitForAgent polls until the pane's foreground process stops being a
// shell, meaning the agent CLI took over.
func (s *Supervisor) waitForAgent(ctx context.Context, handle string) error {
	deadline := time.Now().Add(constants.AgentStartTimeout)
	for {
		atShell, err := s.bridge.AtShellPrompt(handle)
		if err != nil {
			return err
		}
		if !atShell {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agent did not start within %s", constants.AgentStartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.WaitPollInterval):
		}
	}
}

// pump drains one session's poller events. It runs until the event channel
// closes, then marks the worker done.
func (s *Supervisor) pump(sess *session.Session, w *worker) {
	defer s.wg.Done()
	defer close(w.done)
	for ev := range w.poller.Events() {
		s.observe(sess, ev)
	}
}

// observe fans one poller event into the relay table, the chat adapters,
// and the availability scanner.
func (s *Supervisor) observe(sess *session.Session, ev poller.Event) {
	if err := s.relays.HandleEvent(sess.ID, ev); err != nil && !errors.Is(err, relay.ErrNoRelay) {
		s.logger.Printf("[supervisor] %s: relay: %v", sess.ID, err)
	}
	if err := s.outputs.HandleEvent(sess, ev); err != nil {
		if errors.Is(err, adapter.ErrRateLimited) {
			s.scheduleFlush()
		} else {
			s.logger.Printf("[supervisor] %s: adapter: %v", sess.ID, err)
		}
	}

	switch ev.Kind {
	case poller.OutputChanged:
		if sess.AgentKind != agent.KindShell {
			s.scanDelta(sess, ev.Delta)
		}
	case poller.ExitedNormally:
		if ev.MarkerSeen {
			if text, err := s.bridge.Capture(sess.TerminalHandle); err == nil {
				if rc, ok := poller.ExitStatus(sess.TerminalHandle, text); ok && rc != 0 {
					s.logger.Printf("[supervisor] %s: command finished rc=%d", sess.ID, rc)
				}
			}
		}
	case poller.ExitedAbnormally:
		s.logger.Printf("[supervisor] %s: pane lost (%s)", sess.ID, ev.Reason)
		if err := s.outputs.Notify(sess, "[session lost: "+ev.Reason+"]"); err != nil {
			s.logger.Printf("[supervisor] %s: loss notice: %v", sess.ID, err)
		}
		if err := s.registry.Close(sess.ID, "pane lost"); err != nil {
			s.logger.Printf("[supervisor] %s: closing after pane loss: %v", sess.ID, err)
		}
	}
}

// scheduleFlush arranges one deferred retry of buffered chat output after
// the outbound limiter rejects a delivery. The sinks hold the undelivered
// text; at most one retry is pending at a time.
func (s *Supervisor) scheduleFlush() {
	s.mu.Lock()
	if s.flushPending {
		s.mu.Unlock()
		return
	}
	s.flushPending = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.base.Done():
			return
		case <-time.After(constants.FlushRetryDelay):
		}
		s.mu.Lock()
		s.flushPending = false
		s.mu.Unlock()
		if err := s.outputs.Flush(); err != nil {
			if errors.Is(err, adapter.ErrRateLimited) {
				s.scheduleFlush()
				return
			}
			s.logger.Printf("[supervisor] flush retry: %v", err)
		}
	}()
}

// scanDelta checks fresh agent output against the rate-limit patterns and
// sidelines the agent kind on a hit.
func (s *Supervisor) scanDelta(sess *session.Session, delta string) {
	s.mu.Lock()
	sc := s.scanner
	s.mu.Unlock()
	if sc == nil {
		return
	}
	frag, ok := sc.Match(delta)
	if !ok {
		return
	}
	until := time.Now().Add(constants.DefaultRateLimitCooldown)
	if err := s.avail.MarkUnavailable(sess.AgentKind, until, frag); err != nil {
		s.logger.Printf("[supervisor] %s: sidelining %s: %v", sess.ID, sess.AgentKind, err)
		return
	}
	s.logger.Printf("[supervisor] %s: %s rate limited (%q), sidelined until %s", sess.ID, sess.AgentKind, frag, until.Format(time.RFC3339))
}

// Wait blocks until the session's poller reports a terminal event, the
// session is gone, or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	w := s.workers[sessionID]
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return nil
	}
}

// Alive reports whether the session is still supervised and has not
// reached a terminal event.
func (s *Supervisor) Alive(sessionID string) bool {
	s.mu.Lock()
	w := s.workers[sessionID]
	s.mu.Unlock()
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// End closes the session and destroys its pane: interrupt, a bounded wait
// for the agent to wind down, tombstone, kill. Ending an already-ended
// session is a no-op.
func (s *Supervisor) End(sessionID, reason string) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}

	s.mu.Lock()
	w := s.workers[sessionID]
	delete(s.workers, sessionID)
	s.mu.Unlock()

	if w != nil {
		select {
		case <-w.done:
		default:
			// Only a busy agent needs the interrupt and wind-down; a pane
			// sitting at its shell prompt has nothing to stop.
			if atShell, err := s.bridge.AtShellPrompt(sess.TerminalHandle); err == nil && !atShell {
				if err := s.bridge.Interrupt(sess.TerminalHandle); err != nil {
					s.logger.Printf("[supervisor] %s: interrupt: %v", sessionID, err)
				}
				select {
				case <-w.done:
				case <-time.After(constants.GracefulStopTimeout):
				}
			}
		}
		w.cancel()
	}

	if r, inRelay := s.relays.RelayFor(sessionID); inRelay {
		s.relays.End(r.ID, fmt.Sprintf("participant %s ended", sessionID))
	}
	if err := s.registry.Close(sessionID, reason); err != nil {
		return err
	}
	if err := s.bridge.Destroy(sess.TerminalHandle); err != nil {
		return fmt.Errorf("destroying pane %s: %w", sess.TerminalHandle, err)
	}
	s.logger.Printf("[supervisor] session %s ended: %s", sessionID, reason)
	return nil
}

// Link establishes the one-to-one relay between two live sessions and
// records the peer relation. Linking an already-linked pair returns the
// existing relay.
func (s *Supervisor) Link(a, b string) (string, bool, error) {
	pa, err := s.participant(a)
	if err != nil {
		return "", false, err
	}
	pb, err := s.participant(b)
	if err != nil {
		return "", false, err
	}
	relayID, created, err := s.relays.EstablishDirect(pa, pb)
	if err != nil {
		return "", false, err
	}
	if created {
		if err := s.registry.AddPeerLink(a, b); err != nil {
			s.logger.Printf("[supervisor] recording peer link %s <-> %s: %v", a, b, err)
		}
	}
	return relayID, created, nil
}

func (s *Supervisor) participant(id string) (relay.Participant, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return relay.Participant{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if sess.Closed() {
		return relay.Participant{}, fmt.Errorf("%w: %s", session.ErrClosed, id)
	}
	name := string(sess.Role)
	if name == "" {
		name = string(sess.AgentKind)
	}
	p := relay.Participant{
		SessionID:   id,
		Handle:      sess.TerminalHandle,
		DisplayName: name,
	}
	if sess.Role == session.RoleHuman {
		p.Role = relay.RoleHuman
	}
	s.mu.Lock()
	if w := s.workers[id]; w != nil {
		p.Poller = w.poller
	}
	s.mu.Unlock()
	return p, nil
}

// Gather starts the ceremonial relay over the named live sessions, with
// harvester collecting. The ceremony runs in the background and ends its
// own relay when the harvest completes.
func (s *Supervisor) Gather(ids []string, harvester string, cfg relay.GatheringConfig) (string, error) {
	ps := make([]relay.Participant, 0, len(ids))
	for _, id := range ids {
		p, err := s.participant(id)
		if err != nil {
			return "", err
		}
		switch {
		case id == harvester:
			p.Role = relay.RoleHarvester
		case p.Role == "":
			// Human participants arrive with their role preset; they
			// observe the circle without holding the piece.
			p.Role = relay.RoleSpeaker
		}
		ps = append(ps, p)
	}
	g, err := s.relays.StartGathering(ps, cfg)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := g.Run(s.base); err != nil {
			s.logger.Printf("[supervisor] gathering %s: %v", g.RelayID(), err)
		}
	}()
	return g.RelayID(), nil
}

// SendText injects text into a session's pane and folds the echo into the
// poller baseline so it does not come back as session output.
func (s *Supervisor) SendText(sessionID, text string) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if sess.Closed() {
		return fmt.Errorf("%w: %s", session.ErrClosed, sessionID)
	}
	if err := s.bridge.SendInput(sess.TerminalHandle, text, false); err != nil {
		return err
	}
	s.mu.Lock()
	w := s.workers[sessionID]
	s.mu.Unlock()
	if w != nil {
		if captured, err := s.bridge.Capture(sess.TerminalHandle); err == nil {
			w.poller.ResetBaseline(captured)
		}
	}
	return nil
}
