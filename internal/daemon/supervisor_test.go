package daemon

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/relay"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/tmux"
)

// fakeBridge implements Bridge over in-memory panes. Sending input to a
// pane appends it to the pane text; sends without an exit marker flip the
// pane off the shell prompt, simulating an agent taking over. Marker sends
// complete instantly with rc=0.
type fakeBridge struct {
	mu         sync.Mutex
	panes      map[string]*fakePane
	sends      map[string][]sentInput
	interrupts map[string]int
}

type fakePane struct {
	text    string
	atShell bool
}

type sentInput struct {
	text   string
	marker bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		panes:      make(map[string]*fakePane),
		sends:      make(map[string][]sentInput),
		interrupts: make(map[string]int),
	}
}

func (b *fakeBridge) EnsureFresh(handle string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.panes[handle]; ok {
		delete(b.panes, handle)
		return true, nil
	}
	return false, nil
}

func (b *fakeBridge) CreatePane(handle, shell, cwd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.panes[handle]; ok {
		return tmux.ErrPaneExists
	}
	b.panes[handle] = &fakePane{atShell: true}
	return nil
}

func (b *fakeBridge) SendInput(handle, text string, appendExitMarker bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panes[handle]
	if !ok {
		return tmux.ErrPaneNotFound
	}
	b.sends[handle] = append(b.sends[handle], sentInput{text: text, marker: appendExitMarker})
	p.text += text + "\n"
	if appendExitMarker {
		p.text += tmux.ExitMarker(handle) + " rc=0\n"
	} else {
		p.atShell = false
	}
	return nil
}

func (b *fakeBridge) Capture(handle string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panes[handle]
	if !ok {
		return "", tmux.ErrPaneNotFound
	}
	return p.text, nil
}

func (b *fakeBridge) AtShellPrompt(handle string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panes[handle]
	if !ok {
		return false, tmux.ErrPaneNotFound
	}
	return p.atShell, nil
}

func (b *fakeBridge) Destroy(handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.panes, handle)
	return nil
}

func (b *fakeBridge) Interrupt(handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.panes[handle]
	if !ok {
		return tmux.ErrPaneNotFound
	}
	b.interrupts[handle]++
	// The interrupted agent drops back to the shell.
	p.atShell = true
	return nil
}

func (b *fakeBridge) ListPanes() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.panes))
	for h := range b.panes {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func (b *fakeBridge) appendOutput(handle, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.panes[handle]; ok {
		p.text += text
	}
}

func (b *fakeBridge) exitAgent(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.panes[handle]; ok {
		p.atShell = true
	}
}

func (b *fakeBridge) losePane(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.panes, handle)
}

func (b *fakeBridge) hasPane(handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.panes[handle]
	return ok
}

func (b *fakeBridge) sent(handle string) []sentInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentInput, len(b.sends[handle]))
	copy(out, b.sends[handle])
	return out
}

func (b *fakeBridge) interrupted(handle string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupts[handle]
}

func quietLogger() *log.Logger {
	return log.New(discard{}, "", 0)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func fastPanes() PaneOptions {
	return PaneOptions{
		PollInterval:  10 * time.Millisecond,
		IdleThreshold: 250 * time.Millisecond,
		EventBuffer:   16,
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeBridge, *session.Registry, *availability.Table) {
	t.Helper()
	return newTestSupervisorWith(t, fastPanes())
}

func newTestSupervisorWith(t *testing.T, panes PaneOptions) (*Supervisor, *fakeBridge, *session.Registry, *availability.Table) {
	t.Helper()
	dir := t.TempDir()
	bridge := newFakeBridge()
	logger := quietLogger()
	registry := session.NewRegistry(filepath.Join(dir, "sessions.json"), time.Hour)
	table := availability.NewTable(filepath.Join(dir, "availability.json"))
	scanner, err := availability.NewScanner(constants.DefaultRateLimitPatterns)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}
	chat := adapter.NewLogChat(logger)
	sup := NewSupervisor(SupervisorConfig{
		Registry:     registry,
		Terminal:     bridge,
		Relays:       relay.NewManager(bridge, logger),
		Outputs:      adapter.NewOutputs(chat, nil),
		Port:         chat,
		Availability: table,
		Scanner:      scanner,
		Logger:       logger,
		Panes:        panes,
	})
	t.Cleanup(sup.Shutdown)
	return sup, bridge, registry, table
}

func spawnAgent(t *testing.T, sup *Supervisor, role session.Role) *session.Session {
	t.Helper()
	sess, err := sup.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindClaude,
		Tier:        agent.TierMedium,
		Role:        role,
		ProjectPath: t.TempDir(),
	}, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return sess
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSpawnLaunchesAgentAndSeedsPrompt(t *testing.T) {
	sup, bridge, registry, _ := newTestSupervisor(t)

	sess, err := sup.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindClaude,
		Tier:        agent.TierMedium,
		Role:        session.RoleBuilder,
		ProjectPath: t.TempDir(),
	}, "fix the flaky relay test")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if !strings.HasPrefix(sess.TerminalHandle, "tc-") {
		t.Errorf("handle = %q, want tc- prefix", sess.TerminalHandle)
	}
	sends := bridge.sent(sess.TerminalHandle)
	if len(sends) != 2 {
		t.Fatalf("got %d sends, want launch + prompt", len(sends))
	}
	if sends[0].text != "claude --dangerously-skip-permissions --model sonnet" {
		t.Errorf("launch = %q", sends[0].text)
	}
	if sends[0].marker {
		t.Error("launch command chained an exit marker")
	}
	if sends[1].text != "fix the flaky relay test" || sends[1].marker {
		t.Errorf("prompt send = %+v, want plain text without marker", sends[1])
	}
	if !sup.Alive(sess.ID) {
		t.Error("freshly spawned session not alive")
	}
	if got, ok := registry.Get(sess.ID); !ok || got.Closed() {
		t.Error("registry lost the live session")
	}
}

func TestSpawnDefaultsThinkingTier(t *testing.T) {
	sup, bridge, _, _ := newTestSupervisor(t)

	sess, err := sup.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindClaude,
		Role:        session.RoleReviewer,
		ProjectPath: t.TempDir(),
	}, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if sess.Tier != agent.TierMedium {
		t.Errorf("tier = %q, want default %q", sess.Tier, agent.TierMedium)
	}
	sends := bridge.sent(sess.TerminalHandle)
	if len(sends) != 1 || !strings.Contains(sends[0].text, "--model sonnet") {
		t.Errorf("launch sends = %+v", sends)
	}
}

func TestSpawnShellChainsExitMarker(t *testing.T) {
	sup, bridge, registry, _ := newTestSupervisor(t)

	sess, err := sup.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindShell,
		Role:        session.RoleHuman,
		ProjectPath: t.TempDir(),
	}, "echo hello")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	sends := bridge.sent(sess.TerminalHandle)
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want just the command", len(sends))
	}
	if sends[0].text != "echo hello" || !sends[0].marker {
		t.Errorf("command send = %+v, want marker chained", sends[0])
	}

	// The fake completes commands instantly, so the marker ends the
	// session's output sequence on the first sample.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx, sess.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sup.Alive(sess.ID) {
		t.Error("session alive after exit marker")
	}
	// A finished command tombstones nothing; signal panes linger until
	// acknowledged.
	if got, ok := registry.Get(sess.ID); !ok || got.Closed() {
		t.Error("completed shell session was closed")
	}
}

func TestWaitReturnsWhenAgentExits(t *testing.T) {
	sup, bridge, registry, _ := newTestSupervisor(t)
	sess := spawnAgent(t, sup, session.RoleBuilder)

	bridge.exitAgent(sess.TerminalHandle)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx, sess.ID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sup.Alive(sess.ID) {
		t.Error("session alive after agent exit")
	}
	if got, ok := registry.Get(sess.ID); !ok || got.Closed() {
		t.Error("agent exit tombstoned the session")
	}
}

func TestEndInterruptsThenDestroys(t *testing.T) {
	sup, bridge, registry, _ := newTestSupervisor(t)
	sess := spawnAgent(t, sup, session.RoleBuilder)

	if err := sup.End(sess.ID, "operator request"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if n := bridge.interrupted(sess.TerminalHandle); n != 1 {
		t.Errorf("interrupts = %d, want 1", n)
	}
	if bridge.hasPane(sess.TerminalHandle) {
		t.Error("pane survived End")
	}
	got, ok := registry.Get(sess.ID)
	if !ok || !got.Closed() || got.ClosedReason != "operator request" {
		t.Errorf("session after End = %+v", got)
	}
	if sup.Alive(sess.ID) {
		t.Error("session alive after End")
	}

	// Ending again is a no-op.
	if err := sup.End(sess.ID, "again"); err != nil {
		t.Errorf("second End: %v", err)
	}
}

func TestEndUnknownSession(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)
	if err := sup.End("nope", "x"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("End unknown = %v, want ErrNotFound", err)
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	sup, _, registry, _ := newTestSupervisor(t)
	a := spawnAgent(t, sup, session.RoleBuilder)
	b := spawnAgent(t, sup, session.RoleReviewer)

	id1, created, err := sup.Link(a.ID, b.ID)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !created || id1 == "" {
		t.Fatalf("first Link = (%q, %v)", id1, created)
	}
	id2, created, err := sup.Link(a.ID, b.ID)
	if err != nil {
		t.Fatalf("second Link: %v", err)
	}
	if created || id2 != id1 {
		t.Errorf("second Link = (%q, %v), want existing relay %q", id2, created, id1)
	}
	got, _ := registry.Get(a.ID)
	if !got.HasPeer(b.ID) {
		t.Error("peer link not recorded")
	}
}

func TestRelayRoutesBetweenLinkedSessions(t *testing.T) {
	sup, bridge, _, _ := newTestSupervisorWith(t, PaneOptions{
		PollInterval:  50 * time.Millisecond,
		IdleThreshold: time.Second,
		EventBuffer:   16,
	})
	a := spawnAgent(t, sup, session.RoleBuilder)
	b := spawnAgent(t, sup, session.RoleReviewer)

	if _, _, err := sup.Link(a.ID, b.ID); err != nil {
		t.Fatalf("Link: %v", err)
	}

	bridge.appendOutput(a.TerminalHandle, "ping from builder\n")

	eventually(t, 2*time.Second, func() bool {
		for _, s := range bridge.sent(b.TerminalHandle) {
			if strings.Contains(s.text, "ping from builder") {
				return strings.HasPrefix(s.text, "[builder (")
			}
		}
		return false
	}, "builder output never reached the reviewer pane")
}

func TestSendTextFoldsEchoOutOfRelay(t *testing.T) {
	sup, bridge, _, _ := newTestSupervisorWith(t, PaneOptions{
		PollInterval:  50 * time.Millisecond,
		IdleThreshold: time.Second,
		EventBuffer:   16,
	})
	a := spawnAgent(t, sup, session.RoleBuilder)
	b := spawnAgent(t, sup, session.RoleReviewer)
	if _, _, err := sup.Link(a.ID, b.ID); err != nil {
		t.Fatalf("Link: %v", err)
	}

	if err := sup.SendText(a.ID, "operator note"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	sends := bridge.sent(a.TerminalHandle)
	if sends[len(sends)-1].text != "operator note" {
		t.Fatalf("last send to a = %+v", sends[len(sends)-1])
	}

	// The injected text is baseline now; it must not relay to b.
	time.Sleep(200 * time.Millisecond)
	for _, s := range bridge.sent(b.TerminalHandle) {
		if strings.Contains(s.text, "operator note") {
			t.Fatalf("injected text echoed into the relay: %q", s.text)
		}
	}
}

func TestRateLimitHitSidelinesAgent(t *testing.T) {
	sup, bridge, _, table := newTestSupervisor(t)
	sess := spawnAgent(t, sup, session.RoleBuilder)

	bridge.appendOutput(sess.TerminalHandle, "You've hit your usage limit. Try again later.\n")

	eventually(t, 2*time.Second, func() bool {
		return !table.Available(agent.KindClaude)
	}, "rate limit hit never sidelined the agent")

	rec := table.Get(agent.KindClaude)
	if rec.Reason == "" {
		t.Error("sidelined record missing the matched fragment")
	}
	if rec.UnavailableUntil == nil || !time.Now().Before(*rec.UnavailableUntil) {
		t.Errorf("cooldown until = %v, want future", rec.UnavailableUntil)
	}
}

func TestRateLimitedOutputFlushesAfterBackoff(t *testing.T) {
	dir := t.TempDir()
	bridge := newFakeBridge()
	logger := quietLogger()
	registry := session.NewRegistry(filepath.Join(dir, "sessions.json"), time.Hour)
	table := availability.NewTable(filepath.Join(dir, "availability.json"))
	chat := adapter.NewLogChat(logger)
	port := adapter.NewLimited(chat, 600*time.Millisecond, 1)
	sup := NewSupervisor(SupervisorConfig{
		Registry:     registry,
		Terminal:     bridge,
		Relays:       relay.NewManager(bridge, logger),
		Outputs:      adapter.NewOutputs(port, nil),
		Port:         port,
		Availability: table,
		Logger:       logger,
		Panes:        fastPanes(),
	})
	t.Cleanup(sup.Shutdown)

	sess, err := sup.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindShell,
		Role:        session.RoleHuman,
		ProjectPath: t.TempDir(),
		ChatBinding: &session.ChatBinding{Adapter: "logchat", Topic: "ops"},
	}, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	bridge.appendOutput(sess.TerminalHandle, "alpha output\n")
	eventually(t, 2*time.Second, func() bool {
		return len(chat.Messages(sess.ID)) == 1
	}, "first delta never reached the chat port")

	// The second delta lands inside the limiter window; its edit is
	// rejected and stays buffered until the deferred flush delivers it.
	bridge.appendOutput(sess.TerminalHandle, "beta output\n")

	eventually(t, 5*time.Second, func() bool {
		msgs := chat.Messages(sess.ID)
		return len(msgs) == 1 && strings.Contains(msgs[0].Text, "beta output")
	}, "buffered output never flushed after the rate limit")
}

func TestPaneLossTombstonesSession(t *testing.T) {
	sup, bridge, registry, _ := newTestSupervisor(t)
	sess := spawnAgent(t, sup, session.RoleBuilder)

	bridge.losePane(sess.TerminalHandle)

	eventually(t, 2*time.Second, func() bool {
		got, ok := registry.Get(sess.ID)
		return ok && got.Closed()
	}, "lost pane never tombstoned the session")

	got, _ := registry.Get(sess.ID)
	if got.ClosedReason != "pane lost" {
		t.Errorf("reason = %q, want %q", got.ClosedReason, "pane lost")
	}
	if sup.Alive(sess.ID) {
		t.Error("session alive after pane loss")
	}
}

func TestPaneLossNotifiesBoundChannel(t *testing.T) {
	dir := t.TempDir()
	bridge := newFakeBridge()
	logger := quietLogger()
	registry := session.NewRegistry(filepath.Join(dir, "sessions.json"), time.Hour)
	table := availability.NewTable(filepath.Join(dir, "availability.json"))
	chat := adapter.NewLogChat(logger)
	sup := NewSupervisor(SupervisorConfig{
		Registry:     registry,
		Terminal:     bridge,
		Relays:       relay.NewManager(bridge, logger),
		Outputs:      adapter.NewOutputs(chat, nil),
		Port:         chat,
		Availability: table,
		Logger:       logger,
		Panes:        fastPanes(),
	})
	t.Cleanup(sup.Shutdown)

	sess, err := sup.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindShell,
		Role:        session.RoleHuman,
		ProjectPath: t.TempDir(),
		ChatBinding: &session.ChatBinding{Adapter: "logchat", Topic: "ops"},
	}, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	bridge.appendOutput(sess.TerminalHandle, "tail output\n")
	eventually(t, 2*time.Second, func() bool {
		return len(chat.Messages(sess.ID)) == 1
	}, "output never reached the chat port")

	bridge.losePane(sess.TerminalHandle)

	eventually(t, 2*time.Second, func() bool {
		msgs := chat.Messages(sess.ID)
		return len(msgs) == 2 && msgs[1].Text == "[session lost: pane_lost]"
	}, "pane loss never surfaced in the bound channel")
}

func TestGatherRunsCeremonyToCompletion(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)
	a := spawnAgent(t, sup, session.RoleBuilder)
	b := spawnAgent(t, sup, session.RoleReviewer)
	h := spawnAgent(t, sup, session.RoleFinalizer)

	relayID, err := sup.Gather([]string{a.ID, b.ID, h.ID}, h.ID, relay.GatheringConfig{
		InhaleRounds:   1,
		HoldRounds:     1,
		ExhaleRounds:   1,
		BeatCount:      2,
		BeatInterval:   20 * time.Millisecond,
		HarvestTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if relayID == "" {
		t.Fatal("Gather returned empty relay id")
	}

	// The ceremony times its own beats out and ends the relay.
	eventually(t, 5*time.Second, func() bool {
		_, active := sup.relays.RelayFor(a.ID)
		return !active
	}, "gathering never completed")
}

func TestShutdownLeavesPanesAndSessions(t *testing.T) {
	sup, bridge, registry, _ := newTestSupervisor(t)
	sess := spawnAgent(t, sup, session.RoleBuilder)

	sup.Shutdown()

	if !bridge.hasPane(sess.TerminalHandle) {
		t.Error("shutdown destroyed the pane")
	}
	if got, ok := registry.Get(sess.ID); !ok || got.Closed() {
		t.Error("shutdown tombstoned the session")
	}
}
