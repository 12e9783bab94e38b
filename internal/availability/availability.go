// Package availability tracks which agent back-ends are usable right now
// and picks the best (kind, tier) pair for a task from a fallback matrix.
package availability

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/util"
)

// lockTimeout bounds waiting for the cross-process store lock.
const lockTimeout = 5 * time.Second

// Record is one agent's advisory state. A record with an expired
// UnavailableUntil reads as available; expiry never writes.
type Record struct {
	AgentKind        agent.Kind `json:"agent_kind"`
	Available        bool       `json:"available"`
	UnavailableUntil *time.Time `json:"unavailable_until,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

type storeState struct {
	Records map[agent.Kind]Record `json:"records"`
}

// Table holds the advisory records. Mutations serialize on a mutex and
// persist under a file lock; reads load an immutable snapshot and take no
// lock at all.
type Table struct {
	mu        sync.Mutex
	snap      atomic.Pointer[map[agent.Kind]Record]
	storePath string
	now       func() time.Time
}

// NewTable creates an empty table persisting to storePath.
func NewTable(storePath string) *Table {
	t := &Table{storePath: storePath, now: time.Now}
	empty := make(map[agent.Kind]Record)
	t.snap.Store(&empty)
	return t
}

func (t *Table) view() map[agent.Kind]Record {
	return *t.snap.Load()
}

func (t *Table) lockStore() (func(), error) {
	fl := flock.New(t.storePath + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquiring availability store lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("availability store lock timed out")
	}
	return func() { _ = fl.Unlock() }, nil
}

// Load replaces the table with the persisted records. A missing store file
// yields an empty table.
func (t *Table) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	unlock, err := t.lockStore()
	if err != nil {
		return err
	}
	defer unlock()

	var state storeState
	if err := util.ReadJSON(t.storePath, &state); err != nil {
		if os.IsNotExist(err) {
			empty := make(map[agent.Kind]Record)
			t.snap.Store(&empty)
			return nil
		}
		return fmt.Errorf("loading availability store: %w", err)
	}
	if state.Records == nil {
		state.Records = make(map[agent.Kind]Record)
	}
	t.snap.Store(&state.Records)
	return nil
}

// Get returns the current advisory state for an agent kind. Unknown kinds
// and expired cooldowns both read as available.
func (t *Table) Get(kind agent.Kind) Record {
	rec, ok := t.view()[kind]
	if !ok {
		return Record{AgentKind: kind, Available: true}
	}
	if rec.UnavailableUntil != nil && !rec.UnavailableUntil.After(t.now()) {
		return Record{AgentKind: kind, Available: true}
	}
	return rec
}

// Available reports whether the agent kind is usable right now.
func (t *Table) Available(kind agent.Kind) bool {
	return t.Get(kind).Available
}

// List returns the advisory state of every dispatchable agent kind.
func (t *Table) List() []Record {
	kinds := agent.DispatchableKinds()
	out := make([]Record, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, t.Get(k))
	}
	return out
}

// MarkUnavailable upserts a cooldown for the agent kind. An until in the
// past clears the record instead.
func (t *Table) MarkUnavailable(kind agent.Kind, until time.Time, reason string) error {
	if !agent.IsValidKind(string(kind)) {
		return fmt.Errorf("invalid agent kind %q", kind)
	}
	if !until.After(t.now()) {
		return t.MarkAvailable(kind)
	}
	return t.mutate(func(m map[agent.Kind]Record) {
		u := until
		m[kind] = Record{AgentKind: kind, Available: false, UnavailableUntil: &u, Reason: reason}
	})
}

// MarkAvailable clears any cooldown for the agent kind.
func (t *Table) MarkAvailable(kind agent.Kind) error {
	if !agent.IsValidKind(string(kind)) {
		return fmt.Errorf("invalid agent kind %q", kind)
	}
	return t.mutate(func(m map[agent.Kind]Record) {
		m[kind] = Record{AgentKind: kind, Available: true}
	})
}

// mutate applies fn to a fresh copy of the records, swaps it in, and
// persists. The old snapshot is restored if persisting fails.
func (t *Table) mutate(fn func(map[agent.Kind]Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	next := make(map[agent.Kind]Record, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	fn(next)
	t.snap.Store(&next)

	unlock, err := t.lockStore()
	if err != nil {
		t.snap.Store(old)
		return err
	}
	defer unlock()
	if err := util.EnsureDirAndWriteJSON(t.storePath, storeState{Records: next}); err != nil {
		t.snap.Store(old)
		return err
	}
	return nil
}
