// Package federation keeps the presence table of TeleClaude computers that
// share a chat workspace. Presence is gossip: every computer posts a
// heartbeat line to a shared channel through the adapter port and reads
// everyone else's. The table is advisory; nothing routes through it.
package federation

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Peer statuses as shown in the presence table.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Computer is one row of the presence table.
type Computer struct {
	Name      string    `json:"name"`
	BotHandle string    `json:"bot_handle"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry tracks peers by computer name. A peer whose last heartbeat is
// older than the offline threshold reads as offline regardless of what its
// last message claimed.
type Registry struct {
	mu        sync.Mutex
	threshold time.Duration
	peers     map[string]Computer
	now       func() time.Time
}

// NewRegistry builds a presence table with the given offline threshold.
func NewRegistry(threshold time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		peers:     make(map[string]Computer),
		now:       time.Now,
	}
}

// Observe folds one heartbeat into the table, stamping arrival time.
func (r *Registry) Observe(name, botHandle, status string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[name] = Computer{
		Name:      name,
		BotHandle: botHandle,
		Status:    status,
		LastSeen:  r.now(),
	}
}

// ObserveLine parses a channel message and folds it in when it is a
// heartbeat. Non-heartbeat chatter is ignored.
func (r *Registry) ObserveLine(line string) bool {
	name, handle, status, ok := ParseHeartbeat(line)
	if !ok {
		return false
	}
	r.Observe(name, handle, status)
	return true
}

// Lookup returns the current view of one peer.
func (r *Registry) Lookup(name string) (Computer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.peers[name]
	if !ok {
		return Computer{}, false
	}
	return r.stale(c), true
}

// Snapshot returns all peers sorted by name, with staleness applied.
func (r *Registry) Snapshot() []Computer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Computer, 0, len(r.peers))
	for _, c := range r.peers {
		out = append(out, r.stale(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) stale(c Computer) Computer {
	if r.now().Sub(c.LastSeen) > r.threshold {
		c.Status = StatusOffline
	}
	return c
}

// Heartbeat wire format. One line so any chat platform carries it intact:
//
//	[teleclaude] computer=annex handle=tc_annex_bot status=online
var heartbeatRe = regexp.MustCompile(`^\[teleclaude\] computer=(\S+) handle=(\S+) status=(\S+)$`)

// FormatHeartbeat renders a heartbeat line.
func FormatHeartbeat(name, botHandle, status string) string {
	return fmt.Sprintf("[teleclaude] computer=%s handle=%s status=%s", name, botHandle, status)
}

// ParseHeartbeat extracts the fields of a heartbeat line.
func ParseHeartbeat(line string) (name, botHandle, status string, ok bool) {
	m := heartbeatRe.FindStringSubmatch(line)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}
