// Package relay fans attributed output deltas between sessions. The
// per-session pollers keep running; a relay is just a routing table over
// them, in one-to-one or gathering mode.
package relay

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/poller"
)

var (
	// ErrAlreadyInRelay means a session already belongs to an active relay.
	ErrAlreadyInRelay = errors.New("session already in an active relay")
	// ErrNoRelay means no active relay contains the session.
	ErrNoRelay = errors.New("no active relay for session")
)

// Participant roles.
type Role string

const (
	RoleSpeaker   Role = "speaker"
	RoleHarvester Role = "harvester"
	RoleHuman     Role = "human"
)

// Mode of a relay.
type Mode string

const (
	ModeOneToOne  Mode = "one-to-one"
	ModeGathering Mode = "gathering"
)

// BaselineResetter folds delivered text into a poller's baseline so the
// injection is not re-emitted as the receiver's own output.
type BaselineResetter interface {
	ResetBaseline(text string)
}

// PaneIO is the slice of the terminal bridge the relay needs.
type PaneIO interface {
	SendInput(handle, text string, appendExitMarker bool) error
	Capture(handle string) (string, error)
}

// Participant is one session in a relay. Human participants may have no
// pane; deliveries skip them.
type Participant struct {
	SessionID   string
	Handle      string
	DisplayName string
	Ordinal     int
	Role        Role
	Poller      BaselineResetter
}

// Relay routes deltas between its participants. Delivery is sequential per
// relay, in participant-ordinal order.
type Relay struct {
	ID           string
	Mode         Mode
	Participants []*Participant

	mu     sync.Mutex
	active bool
	g      *Gathering
}

// Active reports whether the relay still routes.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Relay) participant(sessionID string) *Participant {
	for _, p := range r.Participants {
		if p.SessionID == sessionID {
			return p
		}
	}
	return nil
}

// has reports whether the relay contains exactly the given pair.
func (r *Relay) hasPair(a, b string) bool {
	return len(r.Participants) == 2 && r.participant(a) != nil && r.participant(b) != nil
}

// Manager owns every relay in the process. All lookups and lifecycle
// changes go through it.
type Manager struct {
	mu     sync.Mutex
	bridge PaneIO
	logger *log.Logger
	relays map[string]*Relay
}

// NewManager builds an empty relay table over the bridge.
func NewManager(bridge PaneIO, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{bridge: bridge, logger: logger, relays: make(map[string]*Relay)}
}

// relayFor returns the active relay containing the session. Callers hold m.mu.
func (m *Manager) relayFor(sessionID string) *Relay {
	for _, r := range m.relays {
		if !r.Active() {
			continue
		}
		if r.participant(sessionID) != nil {
			return r
		}
	}
	return nil
}

// RelayFor returns the active relay containing the session, if any.
func (m *Manager) RelayFor(sessionID string) (*Relay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.relayFor(sessionID)
	return r, r != nil
}

// EstablishDirect creates a bidirectional one-to-one relay between two
// participants. Calling it again for the same pair returns the existing
// relay; created reports whether a new one was made.
func (m *Manager) EstablishDirect(a, b Participant) (string, bool, error) {
	if a.SessionID == b.SessionID {
		return "", false, fmt.Errorf("cannot relay a session to itself")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r := m.relayFor(a.SessionID); r != nil {
		if r.Mode == ModeOneToOne && r.hasPair(a.SessionID, b.SessionID) {
			return r.ID, false, nil
		}
		return "", false, fmt.Errorf("%w: %s", ErrAlreadyInRelay, a.SessionID)
	}
	if r := m.relayFor(b.SessionID); r != nil {
		return "", false, fmt.Errorf("%w: %s", ErrAlreadyInRelay, b.SessionID)
	}

	pa, pb := a, b
	pa.Ordinal, pb.Ordinal = 1, 2
	if pa.Role == "" {
		pa.Role = RoleSpeaker
	}
	if pb.Role == "" {
		pb.Role = RoleSpeaker
	}
	r := &Relay{
		ID:           uuid.NewString(),
		Mode:         ModeOneToOne,
		Participants: []*Participant{&pa, &pb},
		active:       true,
	}
	m.relays[r.ID] = r
	m.logger.Printf("relay %s: direct link %s <-> %s", r.ID, pa.SessionID, pb.SessionID)
	return r.ID, true, nil
}

// End deactivates a relay. Ending an unknown or inactive relay is a no-op.
func (m *Manager) End(relayID, reason string) {
	m.mu.Lock()
	r, ok := m.relays[relayID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	wasActive := r.active
	r.active = false
	g := r.g
	r.mu.Unlock()
	if wasActive {
		m.logger.Printf("relay %s: ended (%s)", relayID, reason)
		if g != nil {
			g.stop()
		}
	}
}

// HandleEvent feeds one poller event from a session into the relay table.
// Output events are routed to peers; exit events end the session's relay.
func (m *Manager) HandleEvent(sessionID string, ev poller.Event) error {
	switch ev.Kind {
	case poller.OutputChanged:
		return m.route(sessionID, ev.Delta)
	case poller.ExitedNormally, poller.ExitedAbnormally:
		m.mu.Lock()
		r := m.relayFor(sessionID)
		m.mu.Unlock()
		if r != nil {
			if g := r.gathering(); g != nil {
				g.observeExit(sessionID)
			}
			m.End(r.ID, fmt.Sprintf("participant %s exited", sessionID))
		}
		return nil
	default:
		return nil
	}
}

func (r *Relay) gathering() *Gathering {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.g
}

// route fans one delta from the sender to the appropriate receivers.
func (m *Manager) route(senderID, delta string) error {
	if delta == "" {
		return nil
	}
	m.mu.Lock()
	r := m.relayFor(senderID)
	m.mu.Unlock()
	if r == nil {
		return fmt.Errorf("%w: %s", ErrNoRelay, senderID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}

	sender := r.participant(senderID)
	receivers := r.receiversLocked(sender)

	if r.g != nil {
		r.g.observeDelta(sender, delta)
	}
	if len(receivers) == 0 {
		return nil
	}

	attributed := fmt.Sprintf("[%s (%d)]:\n%s", sender.DisplayName, sender.Ordinal, delta)
	var errs []error
	for _, p := range receivers {
		if p.Handle == "" {
			continue
		}
		if err := m.bridge.SendInput(p.Handle, attributed, false); err != nil {
			errs = append(errs, fmt.Errorf("delivering to %s: %w", p.SessionID, err))
			continue
		}
		// Fold the injected text into the receiver's baseline so its own
		// poller does not echo it back.
		if p.Poller != nil {
			if text, err := m.bridge.Capture(p.Handle); err == nil {
				p.Poller.ResetBaseline(text)
			}
		}
	}
	return errors.Join(errs...)
}

// receiversLocked returns the ordinal-ordered receivers for a delta from
// sender, honoring the relay mode. Callers hold r.mu.
func (r *Relay) receiversLocked(sender *Participant) []*Participant {
	if sender == nil {
		return nil
	}
	var out []*Participant
	switch r.Mode {
	case ModeOneToOne:
		for _, p := range r.Participants {
			if p.SessionID != sender.SessionID {
				out = append(out, p)
			}
		}
	case ModeGathering:
		out = r.g.receiversFor(sender, r.Participants)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// broadcast sends text to every participant with a pane, folding baselines.
func (m *Manager) broadcast(r *Relay, text string) {
	for _, p := range r.Participants {
		if p.Handle == "" {
			continue
		}
		if err := m.bridge.SendInput(p.Handle, text, false); err != nil {
			m.logger.Printf("relay %s: broadcast to %s failed: %v", r.ID, p.SessionID, err)
			continue
		}
		if p.Poller != nil {
			if captured, err := m.bridge.Capture(p.Handle); err == nil {
				p.Poller.ResetBaseline(captured)
			}
		}
	}
}

// sendTo delivers text to one participant, folding its baseline.
func (m *Manager) sendTo(r *Relay, p *Participant, text string) error {
	if p.Handle == "" {
		return nil
	}
	if err := m.bridge.SendInput(p.Handle, text, false); err != nil {
		return err
	}
	if p.Poller != nil {
		if captured, err := m.bridge.Capture(p.Handle); err == nil {
			p.Poller.ResetBaseline(captured)
		}
	}
	return nil
}
