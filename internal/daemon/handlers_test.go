package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/federation"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/todo"
)

func newTestDaemon(t *testing.T) (*Daemon, *fakeBridge) {
	t.Helper()
	return newTestDaemonWith(t, config.Default())
}

func newTestDaemonWith(t *testing.T, cfg *config.Config) (*Daemon, *fakeBridge) {
	t.Helper()
	home := t.TempDir()
	bridge := newFakeBridge()
	d, err := assemble(home, "test", cfg, bridge, quietLogger())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	d.supervisor.Reconfigure(fastPanes(), nil)
	t.Cleanup(func() {
		d.cancel()
		d.supervisor.Shutdown()
	})
	return d, bridge
}

func rawCall(t *testing.T, d *Daemon, op string, params any) protocol.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshaling %s params: %v", op, err)
	}
	return d.handlerRegistry().Handle(context.Background(), protocol.Request{ID: "t-1", Op: op, Params: raw})
}

func call(t *testing.T, d *Daemon, op string, params, result any) {
	t.Helper()
	resp := rawCall(t, d, op, params)
	if !resp.OK {
		t.Fatalf("%s: %s", op, resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			t.Fatalf("decoding %s result: %v", op, err)
		}
	}
}

func TestPingReportsIdentity(t *testing.T) {
	d, _ := newTestDaemon(t)

	var res protocol.PingResult
	call(t, d, protocol.OpPing, struct{}{}, &res)

	if res.Version != "test" {
		t.Errorf("version = %q", res.Version)
	}
	if res.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", res.PID, os.Getpid())
	}
	if res.Started.IsZero() {
		t.Error("started time missing")
	}
}

func TestSessionsStartListEndRoundTrip(t *testing.T) {
	d, _ := newTestDaemon(t)

	var started protocol.SessionsStartResult
	call(t, d, protocol.OpSessionsStart, protocol.SessionsStartParams{
		Agent:   "shell",
		Role:    "human",
		Project: t.TempDir(),
	}, &started)
	if started.Session == nil || started.Session.ID == "" {
		t.Fatal("start returned no session")
	}

	var listed protocol.SessionsListResult
	call(t, d, protocol.OpSessionsList, protocol.SessionsListParams{}, &listed)
	if len(listed.Sessions) != 1 || listed.Sessions[0].ID != started.Session.ID {
		t.Fatalf("live listing = %+v", listed.Sessions)
	}

	var ended protocol.SessionsEndResult
	call(t, d, protocol.OpSessionsEnd, protocol.SessionsEndParams{ID: started.Session.ID, Reason: "done"}, &ended)
	if !ended.Ended {
		t.Error("end did not report ended")
	}

	call(t, d, protocol.OpSessionsList, protocol.SessionsListParams{}, &listed)
	if len(listed.Sessions) != 0 {
		t.Errorf("live listing after end = %+v", listed.Sessions)
	}
	call(t, d, protocol.OpSessionsList, protocol.SessionsListParams{All: true}, &listed)
	if len(listed.Sessions) != 1 || !listed.Sessions[0].Closed() {
		t.Errorf("full listing after end = %+v", listed.Sessions)
	}
}

func TestSessionsListRejectsUnknownAgent(t *testing.T) {
	d, _ := newTestDaemon(t)
	resp := rawCall(t, d, protocol.OpSessionsList, protocol.SessionsListParams{Agent: "hal9000"})
	if resp.OK {
		t.Fatal("listing with unknown agent kind succeeded")
	}
}

func TestSessionsSendEstablishesDirectOnce(t *testing.T) {
	d, _ := newTestDaemon(t)
	a := spawnAgent(t, d.supervisor, session.RoleBuilder)
	b := spawnAgent(t, d.supervisor, session.RoleReviewer)

	var first protocol.SessionsSendResult
	call(t, d, protocol.OpSessionsSend, protocol.SessionsSendParams{ID: a.ID, DirectPeer: b.ID}, &first)
	if first.RelayID == "" {
		t.Fatal("direct send returned no relay")
	}
	if first.Delivered {
		t.Error("nothing was sent, yet delivered is set")
	}

	var second protocol.SessionsSendResult
	call(t, d, protocol.OpSessionsSend, protocol.SessionsSendParams{ID: a.ID, DirectPeer: b.ID, Text: "take a look"}, &second)
	if second.RelayID != first.RelayID {
		t.Errorf("relay = %q, want existing %q", second.RelayID, first.RelayID)
	}
	if !second.Delivered {
		t.Error("text send not delivered")
	}
}

func TestSessionsAckEndsSessionAndClearsSignal(t *testing.T) {
	d, _ := newTestDaemon(t)
	project := t.TempDir()

	sess, err := d.supervisor.Spawn(context.Background(), session.Spec{
		AgentKind:   agent.KindShell,
		Role:        session.RoleHuman,
		ProjectPath: project,
	}, "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	bundle := filepath.Join(project, constants.DirTodos, "alpha")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	st := todo.NewState()
	st.Signal = sess.ID
	if err := todo.SaveState(bundle, st); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	var res protocol.SessionsAckResult
	call(t, d, protocol.OpSessionsAck, protocol.SessionsAckParams{ID: sess.ID, Project: project, Slug: "alpha"}, &res)
	if !res.Cleared {
		t.Error("ack did not clear the signal")
	}

	reloaded, err := todo.LoadState(bundle)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if reloaded.Signal != "" {
		t.Errorf("signal = %q after ack", reloaded.Signal)
	}

	got, _ := d.registry.Get(sess.ID)
	if !got.Closed() || got.ClosedReason != "acknowledged" {
		t.Errorf("session after ack = %+v", got)
	}
}

func TestAvailabilityMarkAndList(t *testing.T) {
	d, _ := newTestDaemon(t)

	until := time.Now().Add(time.Hour)
	var marked protocol.AvailabilityMarkResult
	call(t, d, protocol.OpAvailabilityMark, protocol.AvailabilityMarkParams{
		Agent:  "codex",
		Until:  until,
		Reason: "quota exhausted",
	}, &marked)
	if marked.Record.Available {
		t.Error("record still available after marking unavailable")
	}
	if marked.Record.Reason != "quota exhausted" {
		t.Errorf("reason = %q", marked.Record.Reason)
	}

	var listed protocol.AvailabilityListResult
	call(t, d, protocol.OpAvailabilityList, struct{}{}, &listed)
	found := false
	for _, r := range listed.Records {
		if r.AgentKind == agent.KindCodex && !r.Available {
			found = true
		}
	}
	if !found {
		t.Errorf("codex not sidelined in listing: %+v", listed.Records)
	}

	call(t, d, protocol.OpAvailabilityMark, protocol.AvailabilityMarkParams{Agent: "codex", Available: true}, &marked)
	if !marked.Record.Available {
		t.Error("record not available after clearing")
	}
}

func TestAvailabilityMarkValidates(t *testing.T) {
	d, _ := newTestDaemon(t)

	if resp := rawCall(t, d, protocol.OpAvailabilityMark, protocol.AvailabilityMarkParams{Agent: "hal9000"}); resp.OK {
		t.Error("unknown agent kind accepted")
	}
	if resp := rawCall(t, d, protocol.OpAvailabilityMark, protocol.AvailabilityMarkParams{Agent: "codex"}); resp.OK {
		t.Error("marking unavailable without until accepted")
	}
}

func TestTodoVerifyReportsMissingArtifacts(t *testing.T) {
	d, _ := newTestDaemon(t)
	project := t.TempDir()

	var res protocol.TodoVerifyResult
	call(t, d, protocol.OpTodoVerify, protocol.TodoVerifyParams{
		Project: project,
		Slug:    "alpha",
		Phase:   "build",
	}, &res)
	if res.Passed {
		t.Error("verify passed with no artifacts on disk")
	}
	if res.Message == "" {
		t.Error("failed verify carried no message")
	}

	if resp := rawCall(t, d, protocol.OpTodoVerify, protocol.TodoVerifyParams{Project: project, Slug: "alpha", Phase: "ship-it"}); resp.OK {
		t.Error("invalid phase accepted")
	}
}

func TestTodoNextPrepareNoWork(t *testing.T) {
	d, _ := newTestDaemon(t)

	var dv todo.Directive
	call(t, d, protocol.OpTodoNextPrepare, protocol.TodoNextParams{Project: t.TempDir()}, &dv)
	if !dv.IsError() || dv.Code != todo.CodeNoWork {
		t.Errorf("directive = %s, want NO_WORK", dv)
	}
}

func TestTodoNextPreparePreparedBundle(t *testing.T) {
	d, _ := newTestDaemon(t)
	project := t.TempDir()

	bundle := filepath.Join(project, constants.DirTodos, "alpha")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{constants.FileRequirements, constants.FilePlan} {
		if err := os.WriteFile(filepath.Join(bundle, name), []byte("# alpha\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var dv todo.Directive
	call(t, d, protocol.OpTodoNextPrepare, protocol.TodoNextParams{Project: project, Slug: "alpha"}, &dv)
	if dv.Kind != todo.DirectivePreparedOK || dv.Slug != "alpha" {
		t.Errorf("directive = %s, want PreparedOK{alpha}", dv)
	}
}

func TestSessionsGatherValidatesParams(t *testing.T) {
	d, _ := newTestDaemon(t)
	if resp := rawCall(t, d, protocol.OpSessionsGather, protocol.SessionsGatherParams{IDs: []string{"only-one"}}); resp.OK {
		t.Error("gathering with one session accepted")
	}
}

func TestAdapterInboundRoutesByTopic(t *testing.T) {
	cfg := config.Default()
	cfg.Federation.ComputerName = "tower"
	cfg.Federation.BotHandle = "@tower_bot"
	d, bridge := newTestDaemonWith(t, cfg)

	var started protocol.SessionsStartResult
	call(t, d, protocol.OpSessionsStart, protocol.SessionsStartParams{
		Agent:   "shell",
		Role:    "human",
		Project: t.TempDir(),
		Topic:   "12345",
	}, &started)
	sess := started.Session

	var res protocol.AdapterInboundResult
	call(t, d, protocol.OpAdapterInbound, protocol.AdapterInboundParams{
		Topic:  "12345",
		Sender: "@alice",
		Text:   "show me the failing test",
	}, &res)
	if !res.Delivered || res.SessionID != sess.ID {
		t.Fatalf("inbound result = %+v, want delivery to %s", res, sess.ID)
	}
	sends := bridge.sent(sess.TerminalHandle)
	if len(sends) != 1 || sends[0].text != "show me the failing test" {
		t.Fatalf("pane sends = %+v, want the inbound text typed in", sends)
	}

	// Our own messages come back from the platform; they must not re-enter
	// the pane.
	var echo protocol.AdapterInboundResult
	call(t, d, protocol.OpAdapterInbound, protocol.AdapterInboundParams{
		Topic:  "12345",
		Sender: "@tower_bot",
		Text:   "[Chunk 1/2] our own output",
	}, &echo)
	if echo.Delivered {
		t.Fatalf("own echo was routed: %+v", echo)
	}
	if n := len(bridge.sent(sess.TerminalHandle)); n != 1 {
		t.Errorf("pane sends after echo = %d, want 1", n)
	}

	var stray protocol.AdapterInboundResult
	call(t, d, protocol.OpAdapterInbound, protocol.AdapterInboundParams{
		Topic: "99999",
		Text:  "anyone here?",
	}, &stray)
	if stray.Delivered || stray.SessionID != "" {
		t.Fatalf("message on an unbound topic was delivered: %+v", stray)
	}
}

func TestAdapterInboundFoldsHeartbeats(t *testing.T) {
	d, _ := newTestDaemon(t)

	var res protocol.AdapterInboundResult
	call(t, d, protocol.OpAdapterInbound, protocol.AdapterInboundParams{
		Topic: "machines",
		Text:  federation.FormatHeartbeat("annex", "@annex_bot", "online"),
	}, &res)
	if !res.Heartbeat || res.Delivered {
		t.Fatalf("heartbeat result = %+v", res)
	}
	peers := d.presence.Snapshot()
	if len(peers) != 1 || peers[0].Name != "annex" || peers[0].Status != "online" {
		t.Errorf("presence after heartbeat = %+v", peers)
	}
}

func TestAdapterInboundValidates(t *testing.T) {
	d, _ := newTestDaemon(t)

	if resp := rawCall(t, d, protocol.OpAdapterInbound, protocol.AdapterInboundParams{Text: "hi"}); resp.OK {
		t.Error("inbound without topic accepted")
	}
	if resp := rawCall(t, d, protocol.OpAdapterInbound, protocol.AdapterInboundParams{Topic: "12345"}); resp.OK {
		t.Error("inbound without text accepted")
	}
}

func TestFederationListSnapshotsPresence(t *testing.T) {
	d, _ := newTestDaemon(t)
	d.presence.Observe("annex", "@annex_bot", "online")

	var res protocol.FederationListResult
	call(t, d, protocol.OpFederationList, struct{}{}, &res)
	if len(res.Computers) != 1 || res.Computers[0].Name != "annex" {
		t.Fatalf("computers = %+v", res.Computers)
	}
	if res.Computers[0].Status != "online" {
		t.Errorf("status = %q", res.Computers[0].Status)
	}
}

func TestDaemonStopForDeployRequestsRestart(t *testing.T) {
	d, _ := newTestDaemon(t)

	var res protocol.DaemonStopResult
	call(t, d, protocol.OpDaemonStop, protocol.DaemonStopParams{ForDeploy: true}, &res)
	if res.ExitCode != constants.ExitCodeRestart {
		t.Errorf("exit code = %d, want %d", res.ExitCode, constants.ExitCodeRestart)
	}
	if d.ExitCode() != constants.ExitCodeRestart {
		t.Errorf("daemon exit code = %d, want %d", d.ExitCode(), constants.ExitCodeRestart)
	}
}

func TestDaemonReloadSwapsConfig(t *testing.T) {
	d, _ := newTestDaemon(t)

	content := "[workflow]\nmax_review_rounds = 7\n"
	if err := os.WriteFile(filepath.Join(d.home, constants.FileConfig), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var res protocol.DaemonReloadResult
	call(t, d, protocol.OpDaemonReload, struct{}{}, &res)
	if !res.Reloaded {
		t.Error("reload did not report success")
	}
	if got := d.config().Workflow.MaxReviewRounds; got != 7 {
		t.Errorf("max review rounds after reload = %d, want 7", got)
	}
}

func TestDaemonReloadKeepsConfigOnBadFile(t *testing.T) {
	d, _ := newTestDaemon(t)
	before := d.config().Workflow.MaxReviewRounds

	if err := os.WriteFile(filepath.Join(d.home, constants.FileConfig), []byte("daemon = \"not a table\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if resp := rawCall(t, d, protocol.OpDaemonReload, struct{}{}); resp.OK {
		t.Fatal("reload of a broken config succeeded")
	}
	if got := d.config().Workflow.MaxReviewRounds; got != before {
		t.Errorf("config changed after failed reload: %d -> %d", before, got)
	}
}

func TestAssembleAppliesAdapterKnobs(t *testing.T) {
	cfg := config.Default()
	cfg.Adapter.MaxMessageLength = 1234
	cfg.Adapter.TailMessageLimit = 999
	d, err := assemble(t.TempDir(), "test", cfg, newFakeBridge(), quietLogger())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	t.Cleanup(func() {
		d.cancel()
		d.supervisor.Shutdown()
	})

	if got := d.port.MaxMessageLength(); got != 1234 {
		t.Errorf("port max message length = %d, want 1234", got)
	}
	if d.outputs.TailLimit != 999 {
		t.Errorf("tail limit = %d, want 999", d.outputs.TailLimit)
	}
}

func TestSendIntervalConversion(t *testing.T) {
	if got := sendInterval(2); got != 500*time.Millisecond {
		t.Errorf("sendInterval(2) = %v", got)
	}
	if got := sendInterval(0); got != time.Second {
		t.Errorf("sendInterval(0) = %v", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, constants.FileConfig), []byte("[daemon]\npoll_interval_ms = -5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(home, "test"); err == nil {
		t.Fatal("New accepted an invalid config")
	}
}
