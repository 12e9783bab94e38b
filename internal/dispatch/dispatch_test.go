package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/todo"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *log.Logger { return log.New(discard{}, "", 0) }

type spawnedWorker struct {
	Sess   *session.Session
	Prompt string
}

// fakeWorkers scripts the file work a real agent session would do: the hook
// registered for a role runs synchronously during Spawn, and Wait returns
// as soon as the orchestrator asks unless the session was marked blocking.
type fakeWorkers struct {
	mu       sync.Mutex
	seq      int
	spawned  []spawnedWorker
	ended    map[string]string
	alive    map[string]bool
	blocking map[string]bool
	links    [][2]string
	hooks    map[session.Role]func(w spawnedWorker)
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		ended:    make(map[string]string),
		alive:    make(map[string]bool),
		blocking: make(map[string]bool),
		hooks:    make(map[session.Role]func(spawnedWorker)),
	}
}

func (f *fakeWorkers) Spawn(ctx context.Context, spec session.Spec, prompt string) (*session.Session, error) {
	f.mu.Lock()
	f.seq++
	s := &session.Session{
		ID:             fmt.Sprintf("sess-%d", f.seq),
		TerminalHandle: fmt.Sprintf("tc-%06d", f.seq),
		AgentKind:      spec.AgentKind,
		Tier:           spec.Tier,
		Role:           spec.Role,
		ProjectPath:    spec.ProjectPath,
		Subfolder:      spec.Subfolder,
		CreatedAt:      time.Now(),
	}
	w := spawnedWorker{Sess: s, Prompt: prompt}
	f.spawned = append(f.spawned, w)
	hook := f.hooks[spec.Role]
	f.mu.Unlock()
	if hook != nil {
		hook(w)
	}
	return s, nil
}

func (f *fakeWorkers) Wait(ctx context.Context, id string) error {
	f.mu.Lock()
	block := f.blocking[id]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeWorkers) End(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[id] = reason
	f.alive[id] = false
	return nil
}

func (f *fakeWorkers) Alive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *fakeWorkers) Link(a, b string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, [2]string{a, b})
	return fmt.Sprintf("relay-%d", len(f.links)), true, nil
}

func (f *fakeWorkers) setAlive(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[id] = true
}

func (f *fakeWorkers) setBlocking(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocking[id] = true
}

func (f *fakeWorkers) endedReason(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.ended[id]
	return r, ok
}

func (f *fakeWorkers) spawnedByRole(role session.Role) []spawnedWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []spawnedWorker
	for _, w := range f.spawned {
		if w.Sess.Role == role {
			out = append(out, w)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, workers Workers, project, slug string, maxRounds int) *Orchestrator {
	t.Helper()
	table := availability.NewTable(filepath.Join(t.TempDir(), "availability.json"))
	m := todo.NewMachine(availability.NewPicker(table), nil, maxRounds)
	return New(m, workers, quietLogger(), Options{
		Project:       project,
		Slug:          slug,
		WaitTimeout:   5 * time.Second,
		VerdictSettle: 200 * time.Millisecond,
	})
}

func writeProjectFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func commitAll(t *testing.T, dir, message string) {
	t.Helper()
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
}

// preparedRepo seeds a committed repo with roadmap and prepared bundle for
// slug alpha.
func preparedRepo(t *testing.T, plan string) string {
	t.Helper()
	repo := initRepo(t)
	writeProjectFile(t, repo, filepath.Join("todos", "roadmap.md"), "### [>] alpha — first thing\n")
	writeProjectFile(t, repo, filepath.Join("todos", "alpha", "requirements.md"), "# Requirements\nreq\n")
	writeProjectFile(t, repo, filepath.Join("todos", "alpha", "implementation-plan.md"), plan)
	commitAll(t, repo, "prepare alpha")
	return repo
}

// hookBuilder registers a builder hook that completes the plan inside the
// worktree and commits, also serving as the commit-pending mop-up.
func hookBuilder(t *testing.T, f *fakeWorkers, repo string) {
	t.Helper()
	f.hooks[session.RoleBuilder] = func(w spawnedWorker) {
		worktree := filepath.Join(repo, "trees", "alpha")
		writeProjectFile(t, worktree, filepath.Join("todos", "alpha", "implementation-plan.md"),
			"- [x] one\n- [x] two\n")
		writeProjectFile(t, worktree, filepath.Join("todos", "alpha", "quality-checklist.md"),
			"## Build Gates\n- [x] gates pass\n")
		commitAll(t, worktree, "builder round")
	}
}

func hookFinalizer(t *testing.T, f *fakeWorkers, repo string) {
	t.Helper()
	f.hooks[session.RoleFinalizer] = func(w spawnedWorker) {
		if _, err := todo.Archive(repo, "alpha"); err != nil {
			t.Errorf("finalizer archive: %v", err)
		}
	}
}

func TestRunPrepareSpawnsArchitect(t *testing.T) {
	repo := t.TempDir()
	writeProjectFile(t, repo, filepath.Join("todos", "roadmap.md"), "### [ ] alpha — first thing\n")

	f := newFakeWorkers()
	f.hooks[session.RoleArchitect] = func(w spawnedWorker) {
		writeProjectFile(t, repo, filepath.Join("todos", "alpha", "requirements.md"), "# Requirements\nreq\n")
		writeProjectFile(t, repo, filepath.Join("todos", "alpha", "implementation-plan.md"), "- [ ] one\n")
	}

	o := newTestOrchestrator(t, f, repo, "", 3)
	d, err := o.RunPrepare(context.Background())
	if err != nil {
		t.Fatalf("RunPrepare: %v", err)
	}
	if d.Kind != todo.DirectivePreparedOK || d.Slug != "alpha" {
		t.Fatalf("RunPrepare = %s, want PreparedOK{alpha}", d)
	}

	architects := f.spawnedByRole(session.RoleArchitect)
	if len(architects) != 1 {
		t.Fatalf("architect spawns = %d, want 1", len(architects))
	}
	w := architects[0]
	if w.Sess.AgentKind != agent.KindClaude || w.Sess.Tier != agent.TierSlow {
		t.Errorf("architect agent/tier = %s/%s, want claude/slow", w.Sess.AgentKind, w.Sess.Tier)
	}
	if !strings.Contains(w.Prompt, "todos/alpha/requirements.md") {
		t.Errorf("prompt does not name the requirements file:\n%s", w.Prompt)
	}
	if reason, ok := f.endedReason(w.Sess.ID); !ok || reason != "prepare complete" {
		t.Errorf("architect end reason = %q, %v", reason, ok)
	}

	st, err := todo.LoadState(filepath.Join(repo, "todos", "alpha"))
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Phase != todo.PhaseBuild || st.StatusOf(todo.PhasePrepare) != todo.PhaseComplete {
		t.Errorf("state after prepare = phase %s, prepare %s", st.Phase, st.StatusOf(todo.PhasePrepare))
	}
}

func TestRunPrepareStableWhenPrepared(t *testing.T) {
	repo := t.TempDir()
	writeProjectFile(t, repo, filepath.Join("todos", "roadmap.md"), "### [>] alpha — first thing\n")
	writeProjectFile(t, repo, filepath.Join("todos", "alpha", "requirements.md"), "req\n")
	writeProjectFile(t, repo, filepath.Join("todos", "alpha", "implementation-plan.md"), "- [ ] a\n")

	f := newFakeWorkers()
	o := newTestOrchestrator(t, f, repo, "", 3)
	d, err := o.RunPrepare(context.Background())
	if err != nil {
		t.Fatalf("RunPrepare: %v", err)
	}
	if d.Kind != todo.DirectivePreparedOK {
		t.Fatalf("RunPrepare = %s, want PreparedOK", d)
	}
	if len(f.spawned) != 0 {
		t.Errorf("spawned %d workers on an already prepared bundle", len(f.spawned))
	}
}

func TestRunWorkFullPipeline(t *testing.T) {
	repo := preparedRepo(t, "- [ ] one\n- [ ] two\n")

	f := newFakeWorkers()
	hookBuilder(t, f, repo)
	hookFinalizer(t, f, repo)
	f.hooks[session.RoleReviewer] = func(w spawnedWorker) {
		worktree := filepath.Join(repo, "trees", "alpha")
		writeProjectFile(t, worktree, filepath.Join("todos", "alpha", "review-findings.md"),
			"## Critical\n\nNone.\n\nverdict: APPROVE\n")
	}

	o := newTestOrchestrator(t, f, repo, "alpha", 3)
	d, err := o.RunWork(context.Background())
	if err != nil {
		t.Fatalf("RunWork: %v", err)
	}
	if d.Kind != todo.DirectiveCompleteOK {
		t.Fatalf("RunWork = %s, want CompleteOK", d)
	}
	if d.ArchivePath != filepath.Join("done", "001-alpha") {
		t.Errorf("archive path = %q, want done/001-alpha", d.ArchivePath)
	}

	// Every worker was released.
	for _, w := range f.spawned {
		if _, ok := f.endedReason(w.Sess.ID); !ok {
			t.Errorf("session %s (%s) was never ended", w.Sess.ID, w.Sess.Role)
		}
	}

	// Completion lands in the roadmap.
	data, err := os.ReadFile(filepath.Join(repo, "todos", "roadmap.md"))
	if err != nil {
		t.Fatalf("read roadmap: %v", err)
	}
	if !strings.Contains(string(data), "[x] alpha") {
		t.Errorf("roadmap not marked done: %q", data)
	}
}

func TestRunWorkPeerConversation(t *testing.T) {
	repo := preparedRepo(t, "- [ ] one\n- [ ] two\n")

	f := newFakeWorkers()
	hookBuilder(t, f, repo)
	hookFinalizer(t, f, repo)

	worktree := filepath.Join(repo, "trees", "alpha")
	findings := filepath.Join("todos", "alpha", "review-findings.md")

	// The reviewer demands changes and stays at the keyboard.
	f.hooks[session.RoleReviewer] = func(w spawnedWorker) {
		writeProjectFile(t, worktree, findings, "## Critical\n\nBroken error handling.\n\nverdict: REQUEST CHANGES\n")
		f.setAlive(w.Sess.ID)
	}
	// The fixer's round ends with the live reviewer rewriting the verdict.
	f.hooks[session.RoleFixer] = func(w spawnedWorker) {
		writeProjectFile(t, worktree, findings, "## Critical\n\nNone.\n\nverdict: APPROVE\n")
		commitAll(t, worktree, "fix round")
	}

	o := newTestOrchestrator(t, f, repo, "alpha", 3)
	d, err := o.RunWork(context.Background())
	if err != nil {
		t.Fatalf("RunWork: %v", err)
	}
	if d.Kind != todo.DirectiveCompleteOK {
		t.Fatalf("RunWork = %s, want CompleteOK", d)
	}

	reviewers := f.spawnedByRole(session.RoleReviewer)
	fixers := f.spawnedByRole(session.RoleFixer)
	if len(reviewers) != 1 || len(fixers) != 1 {
		t.Fatalf("spawned %d reviewers and %d fixers, want 1 and 1", len(reviewers), len(fixers))
	}

	f.mu.Lock()
	links := append([][2]string(nil), f.links...)
	f.mu.Unlock()
	want := [2]string{reviewers[0].Sess.ID, fixers[0].Sess.ID}
	if len(links) != 1 || links[0] != want {
		t.Errorf("links = %v, want exactly [%v]", links, want)
	}

	if reason, _ := f.endedReason(reviewers[0].Sess.ID); reason != "approved" {
		t.Errorf("reviewer end reason = %q, want approved", reason)
	}
	if reason, _ := f.endedReason(fixers[0].Sess.ID); reason != "fix round complete" {
		t.Errorf("fixer end reason = %q, want fix round complete", reason)
	}
}

func TestRunWorkReviewRoundLimitBlocksTodo(t *testing.T) {
	repo := preparedRepo(t, "- [ ] one\n- [ ] two\n")

	f := newFakeWorkers()
	hookBuilder(t, f, repo)

	worktree := filepath.Join(repo, "trees", "alpha")
	findings := filepath.Join("todos", "alpha", "review-findings.md")

	f.hooks[session.RoleReviewer] = func(w spawnedWorker) {
		writeProjectFile(t, worktree, findings, "## Critical\n\nStill broken.\n\nverdict: REQUEST CHANGES\n")
		f.setAlive(w.Sess.ID)
	}
	// The fix round never satisfies the reviewer.
	f.hooks[session.RoleFixer] = func(w spawnedWorker) {
		writeProjectFile(t, worktree, findings, "## Critical\n\nStill broken.\n\nverdict: REQUEST CHANGES\n")
		commitAll(t, worktree, "fix round")
	}

	o := newTestOrchestrator(t, f, repo, "alpha", 1)
	d, err := o.RunWork(context.Background())
	if err != nil {
		t.Fatalf("RunWork: %v", err)
	}
	if d.Kind != todo.DirectiveError || d.Code != todo.CodeReviewRoundLimit {
		t.Fatalf("RunWork = %s, want Error{REVIEW_ROUND_LIMIT}", d)
	}

	// The item is blocked in the roadmap.
	data, err := os.ReadFile(filepath.Join(repo, "todos", "roadmap.md"))
	if err != nil {
		t.Fatalf("read roadmap: %v", err)
	}
	if !strings.Contains(string(data), "[!] alpha") {
		t.Errorf("roadmap not blocked: %q", data)
	}

	// The reviewer is the signal session: recorded and still running.
	reviewer := f.spawnedByRole(session.RoleReviewer)[0].Sess
	st, err := todo.LoadState(filepath.Join(worktree, "todos", "alpha"))
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Signal != reviewer.ID {
		t.Errorf("state signal = %q, want reviewer %s", st.Signal, reviewer.ID)
	}
	if reason, ok := f.endedReason(reviewer.ID); ok {
		t.Errorf("signal reviewer was ended (%q); it must stay alive", reason)
	}
}

func TestRunWorkEmptyRoadmap(t *testing.T) {
	repo := t.TempDir()
	writeProjectFile(t, repo, filepath.Join("todos", "roadmap.md"), "# Roadmap\n")

	f := newFakeWorkers()
	o := newTestOrchestrator(t, f, repo, "", 3)
	d, err := o.RunWork(context.Background())
	if err != nil {
		t.Fatalf("RunWork: %v", err)
	}
	if d.Kind != todo.DirectiveError || d.Code != todo.CodeNoWork {
		t.Fatalf("RunWork = %s, want Error{NO_WORK}", d)
	}
	if len(f.spawned) != 0 {
		t.Errorf("spawned %d workers with an empty roadmap", len(f.spawned))
	}
}

func TestRunWorkCancelEndsWorker(t *testing.T) {
	repo := preparedRepo(t, "- [ ] one\n")

	ctx, cancel := context.WithCancel(context.Background())
	f := newFakeWorkers()
	f.hooks[session.RoleBuilder] = func(w spawnedWorker) {
		f.setBlocking(w.Sess.ID)
		cancel()
	}

	o := newTestOrchestrator(t, f, repo, "alpha", 3)
	_, err := o.RunWork(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunWork err = %v, want context.Canceled", err)
	}

	builder := f.spawnedByRole(session.RoleBuilder)[0].Sess
	if reason, ok := f.endedReason(builder.ID); !ok || reason != "orchestrator cancelled" {
		t.Errorf("builder end = %q, %v; panes must be ended explicitly on cancel", reason, ok)
	}
}

func TestRunWorkStallGuard(t *testing.T) {
	repo := preparedRepo(t, "- [ ] one\n")

	f := newFakeWorkers()
	// A builder that exits without touching the plan makes no progress.
	f.hooks[session.RoleBuilder] = func(w spawnedWorker) {}

	o := newTestOrchestrator(t, f, repo, "alpha", 3)
	d, err := o.RunWork(context.Background())
	if err != nil {
		t.Fatalf("RunWork: %v", err)
	}
	if d.Kind != todo.DirectiveError || d.Code != todo.CodeInternal {
		t.Fatalf("RunWork = %s, want Error{INTERNAL} from the stall guard", d)
	}

	builders := f.spawnedByRole(session.RoleBuilder)
	if len(builders) != 3 {
		t.Errorf("builder spawns = %d, want 3 before the guard trips", len(builders))
	}

	// The guard leaves a shell signal session behind.
	flags := f.spawnedByRole(session.RoleHuman)
	if len(flags) != 1 {
		t.Fatalf("signal sessions = %d, want 1", len(flags))
	}
	st, err := todo.LoadState(filepath.Join(repo, "trees", "alpha", "todos", "alpha"))
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Signal != flags[0].Sess.ID {
		t.Errorf("state signal = %q, want %s", st.Signal, flags[0].Sess.ID)
	}
	if _, ok := f.endedReason(flags[0].Sess.ID); ok {
		t.Errorf("signal session was ended; it must stay alive")
	}
}
