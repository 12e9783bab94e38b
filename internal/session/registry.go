package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/util"
)

var (
	// ErrNotFound means no session with that ID exists, live or tombstoned.
	ErrNotFound = errors.New("session not found")
	// ErrClosed means the operation needs a live session.
	ErrClosed = errors.New("session is closed")
)

// lockTimeout bounds waiting for the cross-process store lock.
const lockTimeout = 5 * time.Second

// PaneLister is the slice of the terminal bridge reconciliation needs.
type PaneLister interface {
	ListPanes() ([]string, error)
}

// Filter narrows List results. Zero value lists live sessions.
type Filter struct {
	Role          Role
	AgentKind     agent.Kind
	IncludeClosed bool
}

// storeState is the persisted mirror of the registry.
type storeState struct {
	Sessions map[string]*Session `json:"sessions"`
}

// Registry is the single writeable authority over sessions. Mutations
// serialize on one mutex and mirror to the JSON store under a file lock;
// reads return copies.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	storePath string
	retention time.Duration
}

// NewRegistry creates an empty registry persisting to storePath. Tombstones
// older than retention are swept during reconciliation.
func NewRegistry(storePath string, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = constants.DefaultTombstoneRetention
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		storePath: storePath,
		retention: retention,
	}
}

// lockStore acquires the cross-process store lock, returning an unlock func.
func (r *Registry) lockStore() (func(), error) {
	fl := flock.New(r.storePath + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquiring session store lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("session store lock timed out")
	}
	return func() { _ = fl.Unlock() }, nil
}

// save mirrors the in-memory table to disk. Callers hold r.mu.
func (r *Registry) save() error {
	unlock, err := r.lockStore()
	if err != nil {
		return err
	}
	defer unlock()
	return util.EnsureDirAndWriteJSON(r.storePath, storeState{Sessions: r.sessions})
}

// Load replaces the in-memory table with the persisted one. A missing store
// file yields an empty registry.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lockStore()
	if err != nil {
		return err
	}
	defer unlock()

	var state storeState
	if err := util.ReadJSON(r.storePath, &state); err != nil {
		if os.IsNotExist(err) {
			r.sessions = make(map[string]*Session)
			return nil
		}
		return fmt.Errorf("loading session store: %w", err)
	}
	if state.Sessions == nil {
		state.Sessions = make(map[string]*Session)
	}
	r.sessions = state.Sessions
	return nil
}

// Create registers a new session. The ID and terminal handle are both set
// before the record becomes visible to any reader.
func (r *Registry) Create(spec Spec) (*Session, error) {
	if spec.AgentKind != "" && !agent.IsValidKind(string(spec.AgentKind)) {
		return nil, fmt.Errorf("invalid agent kind %q", spec.AgentKind)
	}
	if spec.AgentKind == "" {
		spec.AgentKind = agent.KindShell
	}
	if spec.Tier != "" && !agent.IsValidTier(string(spec.Tier)) {
		return nil, fmt.Errorf("invalid tier %q", spec.Tier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	s := &Session{
		ID:             id,
		TerminalHandle: handleFromID(id),
		AgentKind:      spec.AgentKind,
		Tier:           spec.Tier,
		Role:           spec.Role,
		ProjectPath:    spec.ProjectPath,
		Subfolder:      spec.Subfolder,
		ChatBinding:    spec.ChatBinding,
		CreatedAt:      time.Now(),
		ParentID:       spec.ParentID,
	}
	r.sessions[id] = s

	if err := r.save(); err != nil {
		delete(r.sessions, id)
		return nil, err
	}
	return s.clone(), nil
}

// Get returns a copy of the session, tombstoned or not.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// FindByTopic returns the live session bound to the adapter conversation.
// An empty adapterName matches any adapter; with several bound sessions the
// newest wins.
func (r *Registry) FindByTopic(adapterName, topic string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Session
	for _, s := range r.sessions {
		if s.Closed() || s.ChatBinding == nil || s.ChatBinding.Topic != topic {
			continue
		}
		if adapterName != "" && s.ChatBinding.Adapter != adapterName {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) ||
			(s.CreatedAt.Equal(best.CreatedAt) && s.ID > best.ID) {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

// List returns copies of sessions matching the filter, oldest first.
func (r *Registry) List(f Filter) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, s := range r.sessions {
		if !f.IncludeClosed && s.Closed() {
			continue
		}
		if f.Role != "" && s.Role != f.Role {
			continue
		}
		if f.AgentKind != "" && s.AgentKind != f.AgentKind {
			continue
		}
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close tombstones the session and dissolves its peer links. Closing an
// already-closed session is a no-op that still succeeds; the caller
// releases the terminal handle to the bridge after Close returns.
func (r *Registry) Close(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Closed() {
		return nil
	}

	now := time.Now()
	s.ClosedAt = &now
	s.ClosedReason = reason
	for _, peerID := range s.DirectPeers {
		if peer, ok := r.sessions[peerID]; ok {
			peer.DirectPeers = removeString(peer.DirectPeers, id)
		}
	}
	s.DirectPeers = nil

	return r.save()
}

// AddPeerLink records a symmetric direct-peer relation between two live
// sessions. Adding an existing link is a no-op.
func (r *Registry) AddPeerLink(a, b string) error {
	if a == b {
		return fmt.Errorf("session cannot peer with itself")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sa, ok := r.sessions[a]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a)
	}
	sb, ok := r.sessions[b]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, b)
	}
	if sa.Closed() {
		return fmt.Errorf("%w: %s", ErrClosed, a)
	}
	if sb.Closed() {
		return fmt.Errorf("%w: %s", ErrClosed, b)
	}

	if !sa.HasPeer(b) {
		sa.DirectPeers = append(sa.DirectPeers, b)
		sort.Strings(sa.DirectPeers)
	}
	if !sb.HasPeer(a) {
		sb.DirectPeers = append(sb.DirectPeers, a)
		sort.Strings(sb.DirectPeers)
	}
	return r.save()
}

// RemovePeerLink dissolves the symmetric relation. Missing links are fine.
func (r *Registry) RemovePeerLink(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sa, ok := r.sessions[a]; ok {
		sa.DirectPeers = removeString(sa.DirectPeers, b)
	}
	if sb, ok := r.sessions[b]; ok {
		sb.DirectPeers = removeString(sb.DirectPeers, a)
	}
	return r.save()
}

// Reconcile tombstones live sessions whose pane no longer exists and sweeps
// tombstones past the retention window. Returns how many orphans were
// tombstoned.
func (r *Registry) Reconcile(panes PaneLister) (int, error) {
	handles, err := panes.ListPanes()
	if err != nil {
		return 0, fmt.Errorf("listing panes: %w", err)
	}
	alive := make(map[string]bool, len(handles))
	for _, h := range handles {
		alive[h] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	orphans := 0
	now := time.Now()
	for id, s := range r.sessions {
		if s.Closed() {
			if now.Sub(*s.ClosedAt) > r.retention {
				delete(r.sessions, id)
			}
			continue
		}
		if !alive[s.TerminalHandle] {
			ts := now
			s.ClosedAt = &ts
			s.ClosedReason = "pane lost at reconcile"
			for _, peerID := range s.DirectPeers {
				if peer, ok := r.sessions[peerID]; ok {
					peer.DirectPeers = removeString(peer.DirectPeers, id)
				}
			}
			s.DirectPeers = nil
			orphans++
		}
	}
	if err := r.save(); err != nil {
		return orphans, err
	}
	return orphans, nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
