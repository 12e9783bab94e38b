package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapter"
	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/dispatch"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/relay"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/todo"
)

// handlerRegistry maps every RPC op onto the daemon.
func (d *Daemon) handlerRegistry() *protocol.Registry {
	reg := protocol.NewRegistry()
	reg.Register(protocol.OpPing, d.handlePing)
	reg.Register(protocol.OpSessionsList, d.handleSessionsList)
	reg.Register(protocol.OpSessionsStart, d.handleSessionsStart)
	reg.Register(protocol.OpSessionsEnd, d.handleSessionsEnd)
	reg.Register(protocol.OpSessionsSend, d.handleSessionsSend)
	reg.Register(protocol.OpSessionsAck, d.handleSessionsAck)
	reg.Register(protocol.OpSessionsGather, d.handleSessionsGather)
	reg.Register(protocol.OpAdapterInbound, d.handleAdapterInbound)
	reg.Register(protocol.OpAvailabilityList, d.handleAvailabilityList)
	reg.Register(protocol.OpAvailabilityMark, d.handleAvailabilityMark)
	reg.Register(protocol.OpTodoVerify, d.handleTodoVerify)
	reg.Register(protocol.OpTodoNextPrepare, d.handleTodoNextPrepare)
	reg.Register(protocol.OpTodoNextWork, d.handleTodoNextWork)
	reg.Register(protocol.OpFederationList, d.handleFederationList)
	reg.Register(protocol.OpDaemonReload, d.handleDaemonReload)
	reg.Register(protocol.OpDaemonStop, d.handleDaemonStop)
	return reg
}

func (d *Daemon) handlePing(_ context.Context, _ json.RawMessage) (any, error) {
	return protocol.PingResult{Version: d.version, PID: os.Getpid(), Started: d.started}, nil
}

func (d *Daemon) handleSessionsList(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionsListParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Agent != "" && !agent.IsValidKind(p.Agent) {
		return nil, fmt.Errorf("invalid agent kind %q", p.Agent)
	}
	sessions := d.registry.List(session.Filter{
		Role:          session.Role(p.Role),
		AgentKind:     agent.Kind(p.Agent),
		IncludeClosed: p.All,
	})
	return protocol.SessionsListResult{Sessions: sessions}, nil
}

func (d *Daemon) handleSessionsStart(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionsStartParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	spec := session.Spec{
		AgentKind:   agent.Kind(p.Agent),
		Tier:        agent.Tier(p.Tier),
		Role:        session.Role(p.Role),
		ProjectPath: p.Project,
		Subfolder:   p.Subfolder,
	}
	if p.Topic != "" {
		name := p.Adapter
		if name == "" {
			name = d.config().Adapter.Name
		}
		spec.ChatBinding = &session.ChatBinding{Adapter: name, Topic: p.Topic}
	}
	sess, err := d.supervisor.Spawn(ctx, spec, p.Prompt)
	if err != nil {
		return nil, err
	}
	return protocol.SessionsStartResult{Session: sess}, nil
}

func (d *Daemon) handleSessionsEnd(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionsEndParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("session id required")
	}
	reason := p.Reason
	if reason == "" {
		reason = "ended by request"
	}
	if err := d.supervisor.End(p.ID, reason); err != nil {
		return nil, err
	}
	return protocol.SessionsEndResult{Ended: true}, nil
}

func (d *Daemon) handleSessionsSend(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionsSendParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("session id required")
	}
	var res protocol.SessionsSendResult
	if p.DirectPeer != "" {
		relayID, _, err := d.supervisor.Link(p.ID, p.DirectPeer)
		if err != nil {
			return nil, err
		}
		res.RelayID = relayID
	}
	if p.Text != "" {
		if err := d.supervisor.SendText(p.ID, p.Text); err != nil {
			return nil, err
		}
		res.Delivered = true
	}
	return res, nil
}

func (d *Daemon) handleSessionsAck(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionsAckParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errors.New("session id required")
	}
	if err := d.supervisor.End(p.ID, "acknowledged"); err != nil {
		return nil, err
	}
	cleared := false
	if p.Project != "" {
		var err error
		cleared, err = clearSignal(p.Project, p.Slug, p.ID)
		if err != nil {
			d.logger.Printf("ack %s: clearing signal: %v", p.ID, err)
		}
	}
	return protocol.SessionsAckResult{Cleared: cleared}, nil
}

func (d *Daemon) handleSessionsGather(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.SessionsGatherParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.IDs) < 2 {
		return nil, errors.New("gathering needs at least two sessions")
	}
	g := d.config().Gathering
	relayID, err := d.supervisor.Gather(p.IDs, p.Harvester, relay.GatheringConfig{
		InhaleRounds:   g.InhaleRounds,
		HoldRounds:     g.HoldRounds,
		ExhaleRounds:   g.ExhaleRounds,
		BeatCount:      g.BeatCount,
		BeatInterval:   g.BeatInterval(),
		HarvestTimeout: g.HarvestTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return protocol.SessionsGatherResult{RelayID: relayID}, nil
}

// handleAdapterInbound routes one message received on a chat platform.
// Heartbeats feed the presence table; our own reflected messages are
// dropped; the rest lands in the pane of the session bound to the topic.
// A topic nobody is bound to is chatter, not an error.
func (d *Daemon) handleAdapterInbound(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.AdapterInboundParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Topic == "" || p.Text == "" {
		return nil, errors.New("topic and text required")
	}
	if d.presence.ObserveLine(p.Text) {
		return protocol.AdapterInboundResult{Heartbeat: true}, nil
	}
	fed := d.config().Federation
	if p.Sender != "" && p.Sender == fed.BotHandle {
		return protocol.AdapterInboundResult{}, nil
	}
	name := p.Adapter
	if name == "" {
		name = d.config().Adapter.Name
	}
	sess, ok := d.registry.FindByTopic(name, p.Topic)
	if !ok {
		return protocol.AdapterInboundResult{}, nil
	}
	if err := d.supervisor.SendText(sess.ID, p.Text); err != nil {
		return nil, err
	}
	dir := adapter.Classify(p.Topic, fed.ComputerName)
	d.logger.Printf("adapter %s: %s message routed to %s", name, dir, sess.ID)
	return protocol.AdapterInboundResult{SessionID: sess.ID, Delivered: true}, nil
}

func (d *Daemon) handleAvailabilityList(_ context.Context, _ json.RawMessage) (any, error) {
	return protocol.AvailabilityListResult{Records: d.avail.List()}, nil
}

func (d *Daemon) handleAvailabilityMark(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.AvailabilityMarkParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if !agent.IsValidKind(p.Agent) {
		return nil, fmt.Errorf("invalid agent kind %q", p.Agent)
	}
	kind := agent.Kind(p.Agent)
	if p.Available {
		if err := d.avail.MarkAvailable(kind); err != nil {
			return nil, err
		}
	} else {
		if p.Until.IsZero() {
			return nil, errors.New("until required when marking unavailable")
		}
		if err := d.avail.MarkUnavailable(kind, p.Until, p.Reason); err != nil {
			return nil, err
		}
	}
	return protocol.AvailabilityMarkResult{Record: d.avail.Get(kind)}, nil
}

func (d *Daemon) handleTodoVerify(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.TodoVerifyParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Project == "" || p.Slug == "" {
		return nil, errors.New("project and slug required")
	}
	if !todo.IsValidPhase(p.Phase) {
		return nil, fmt.Errorf("invalid phase %q", p.Phase)
	}
	worktree := p.Worktree
	if worktree == "" {
		worktree = filepath.Join(p.Project, constants.DirTrees, p.Slug)
	}
	if err := todo.VerifyArtifacts(p.Project, worktree, p.Slug, todo.Phase(p.Phase)); err != nil {
		return protocol.TodoVerifyResult{Passed: false, Message: err.Error()}, nil
	}
	return protocol.TodoVerifyResult{Passed: true}, nil
}

func (d *Daemon) handleTodoNextPrepare(_ context.Context, params json.RawMessage) (any, error) {
	return d.todoNext(params, true)
}

func (d *Daemon) handleTodoNextWork(_ context.Context, params json.RawMessage) (any, error) {
	return d.todoNext(params, false)
}

// todoNext answers with the state machine's directive immediately and, for
// tool calls, kicks the background orchestrator that executes them.
func (d *Daemon) todoNext(params json.RawMessage, prepare bool) (any, error) {
	var p protocol.TodoNextParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Project == "" {
		return nil, errors.New("project required")
	}
	machine := d.newMachine()
	var dv todo.Directive
	if prepare {
		dv = machine.NextPrepare(p.Project, p.Slug)
	} else {
		dv = machine.NextWork(p.Project, p.Slug)
	}
	if dv.Kind == todo.DirectiveToolCall {
		slug := dv.Slug
		if slug == "" {
			slug = p.Slug
		}
		d.kickOrchestrator(p.Project, slug, prepare)
	}
	return dv, nil
}

func (d *Daemon) newMachine() *todo.Machine {
	cfg := d.config()
	return todo.NewMachine(availability.NewPicker(d.avail), cfg.Workflow.BuildGates, cfg.Workflow.MaxReviewRounds)
}

// kickOrchestrator starts the run loop for one work item unless one is
// already driving it.
func (d *Daemon) kickOrchestrator(project, slug string, prepare bool) {
	key := project + "|" + slug
	d.orchMu.Lock()
	if _, busy := d.orchestrators[key]; busy {
		d.orchMu.Unlock()
		d.logger.Printf("orchestrator %s: already running", key)
		return
	}
	d.orchestrators[key] = struct{}{}
	d.orchMu.Unlock()

	go func() {
		defer func() {
			d.orchMu.Lock()
			delete(d.orchestrators, key)
			d.orchMu.Unlock()
		}()
		orch := dispatch.New(d.newMachine(), d.supervisor, d.logger, dispatch.Options{
			Project:     project,
			Slug:        slug,
			WaitTimeout: d.config().Daemon.SessionWaitTimeout(),
		})
		var dv todo.Directive
		var err error
		if prepare {
			dv, err = orch.RunPrepare(d.ctx)
		} else {
			dv, err = orch.RunWork(d.ctx)
		}
		if err != nil {
			d.logger.Printf("orchestrator %s: %v", key, err)
			return
		}
		d.logger.Printf("orchestrator %s: %s", key, dv)
	}()
}

func (d *Daemon) handleFederationList(_ context.Context, _ json.RawMessage) (any, error) {
	return protocol.FederationListResult{Computers: d.presence.Snapshot()}, nil
}

func (d *Daemon) handleDaemonReload(_ context.Context, _ json.RawMessage) (any, error) {
	if err := d.reload(); err != nil {
		return nil, err
	}
	return protocol.DaemonReloadResult{Reloaded: true}, nil
}

func (d *Daemon) handleDaemonStop(_ context.Context, params json.RawMessage) (any, error) {
	var p protocol.DaemonStopParams
	if err := protocol.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	code := 0
	if p.ForDeploy {
		code = constants.ExitCodeRestart
	}
	d.setExitCode(code)
	go func() {
		// Let the response flush before teardown closes the connection.
		time.Sleep(stopNotifyDelay)
		d.cancel()
	}()
	return protocol.DaemonStopResult{ExitCode: code}, nil
}

// clearSignal erases the signal naming sessionID from the work item's
// state. With no slug, every bundle under the project is scanned, worktree
// copies first so the authoritative copy wins.
func clearSignal(project, slug, sessionID string) (bool, error) {
	for _, bundle := range signalBundles(project, slug) {
		st, err := todo.LoadState(bundle)
		if err != nil || st.Signal != sessionID {
			continue
		}
		st.Signal = ""
		if err := todo.SaveState(bundle, st); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func signalBundles(project, slug string) []string {
	if slug != "" {
		return []string{
			filepath.Join(project, constants.DirTrees, slug, constants.DirTodos, slug),
			filepath.Join(project, constants.DirTodos, slug),
		}
	}
	var out []string
	if trees, err := os.ReadDir(filepath.Join(project, constants.DirTrees)); err == nil {
		for _, e := range trees {
			if e.IsDir() {
				out = append(out, filepath.Join(project, constants.DirTrees, e.Name(), constants.DirTodos, e.Name()))
			}
		}
	}
	if todos, err := os.ReadDir(filepath.Join(project, constants.DirTodos)); err == nil {
		for _, e := range todos {
			if e.IsDir() {
				out = append(out, filepath.Join(project, constants.DirTodos, e.Name()))
			}
		}
	}
	return out
}
