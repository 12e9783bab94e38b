package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teleclaude/teleclaude/internal/constants"
)

var (
	// ErrNestedGathering means a proposed participant already sits in an
	// active gathering.
	ErrNestedGathering = errors.New("session already participates in a gathering")
	// ErrNoHarvester means the participant set has no (or more than one) harvester.
	ErrNoHarvester = errors.New("gathering needs exactly one harvester")
	// ErrHarvestTimeout means the harvester did not finish in time.
	ErrHarvestTimeout = errors.New("harvest timed out")
	// ErrGatheringStopped means the gathering ended before completing.
	ErrGatheringStopped = errors.New("gathering stopped")
)

// Gathering phases, in ceremony order.
type Phase string

const (
	PhaseInhale Phase = "inhale"
	PhaseHold   Phase = "hold"
	PhaseExhale Phase = "exhale"
	PhaseClose  Phase = "close"
)

// Pass phrases must open a line. Mid-sentence mentions do not count.
var passRe = regexp.MustCompile(`(?m)^\s*(?:I pass\b|Passing to\b)`)

// GatheringConfig shapes the ceremony.
type GatheringConfig struct {
	InhaleRounds   int
	HoldRounds     int
	ExhaleRounds   int
	BeatCount      int
	BeatInterval   time.Duration
	HarvestTimeout time.Duration
}

// DefaultGatheringConfig returns the stock ceremony shape.
func DefaultGatheringConfig() GatheringConfig {
	return GatheringConfig{
		InhaleRounds:   1,
		HoldRounds:     2,
		ExhaleRounds:   1,
		BeatCount:      3,
		BeatInterval:   constants.DefaultBeatInterval,
		HarvestTimeout: constants.DefaultHarvestTimeout,
	}
}

func (c GatheringConfig) withDefaults() GatheringConfig {
	d := DefaultGatheringConfig()
	if c.InhaleRounds <= 0 {
		c.InhaleRounds = d.InhaleRounds
	}
	if c.HoldRounds <= 0 {
		c.HoldRounds = d.HoldRounds
	}
	if c.ExhaleRounds <= 0 {
		c.ExhaleRounds = d.ExhaleRounds
	}
	if c.BeatCount <= 0 {
		c.BeatCount = d.BeatCount
	}
	if c.BeatInterval <= 0 {
		c.BeatInterval = d.BeatInterval
	}
	if c.HarvestTimeout <= 0 {
		c.HarvestTimeout = d.HarvestTimeout
	}
	return c
}

// Gathering runs the ceremonial relay: the talking piece visits every
// speaker each round, and the harvester writes the artifact at the end.
type Gathering struct {
	m     *Manager
	relay *Relay
	cfg   GatheringConfig

	mu      sync.Mutex
	phase   Phase
	current *Participant

	passCh      chan string
	harvestOnce sync.Once
	harvestCh   chan struct{}
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// StartGathering registers a gathering relay. Every participant must be
// free of other relays; the ceremony itself starts when Run is called.
func (m *Manager) StartGathering(participants []Participant, cfg GatheringConfig) (*Gathering, error) {
	harvesters := 0
	speakers := 0
	for _, p := range participants {
		switch p.Role {
		case RoleHarvester:
			harvesters++
		case RoleSpeaker:
			speakers++
		}
	}
	if harvesters != 1 {
		return nil, ErrNoHarvester
	}
	if speakers < 1 {
		return nil, fmt.Errorf("gathering needs at least one speaker")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range participants {
		if r := m.relayFor(p.SessionID); r != nil {
			if r.Mode == ModeGathering {
				return nil, fmt.Errorf("%w: %s", ErrNestedGathering, p.SessionID)
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInRelay, p.SessionID)
		}
	}

	ps := make([]*Participant, len(participants))
	for i := range participants {
		p := participants[i]
		p.Ordinal = i + 1
		ps[i] = &p
	}
	r := &Relay{
		ID:           uuid.NewString(),
		Mode:         ModeGathering,
		Participants: ps,
		active:       true,
	}
	g := &Gathering{
		m:         m,
		relay:     r,
		cfg:       cfg.withDefaults(),
		passCh:    make(chan string, len(ps)),
		harvestCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	r.g = g
	m.relays[r.ID] = r
	m.logger.Printf("relay %s: gathering with %d participants", r.ID, len(ps))
	return g, nil
}

// RelayID returns the underlying relay's ID.
func (g *Gathering) RelayID() string {
	return g.relay.ID
}

// CurrentPhase returns the phase the ceremony is in.
func (g *Gathering) CurrentPhase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// CurrentSpeaker returns the session holding the talking piece, if any.
func (g *Gathering) CurrentSpeaker() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return "", false
	}
	return g.current.SessionID, true
}

func (g *Gathering) setPhase(p Phase) {
	g.mu.Lock()
	g.phase = p
	g.mu.Unlock()
}

func (g *Gathering) setCurrent(p *Participant) {
	g.mu.Lock()
	g.current = p
	g.mu.Unlock()
}

func (g *Gathering) isCurrent(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil && g.current.SessionID == sessionID
}

// speakers returns the talking-piece cycle: speaker-role participants in
// ordinal order. The harvester and humans never hold the piece.
func (g *Gathering) speakers() []*Participant {
	var out []*Participant
	for _, p := range g.relay.Participants {
		if p.Role == RoleSpeaker {
			out = append(out, p)
		}
	}
	return out
}

func (g *Gathering) harvester() *Participant {
	for _, p := range g.relay.Participants {
		if p.Role == RoleHarvester {
			return p
		}
	}
	return nil
}

// receiversFor implements the gathering delivery rules: the current
// speaker reaches everyone, the harvester reaches everyone in the close
// phase, and anyone else reaches only the harvester.
func (g *Gathering) receiversFor(sender *Participant, all []*Participant) []*Participant {
	others := func() []*Participant {
		var out []*Participant
		for _, p := range all {
			if p.SessionID != sender.SessionID {
				out = append(out, p)
			}
		}
		return out
	}

	if sender.Role == RoleHarvester {
		if g.CurrentPhase() == PhaseClose {
			return others()
		}
		return nil
	}
	if g.isCurrent(sender.SessionID) {
		return others()
	}
	if h := g.harvester(); h != nil && h.SessionID != sender.SessionID {
		return []*Participant{h}
	}
	return nil
}

// observeDelta watches the current speaker for a pass phrase.
func (g *Gathering) observeDelta(sender *Participant, delta string) {
	if sender == nil || !g.isCurrent(sender.SessionID) {
		return
	}
	if passRe.MatchString(delta) {
		select {
		case g.passCh <- sender.SessionID:
		default:
		}
	}
}

// observeExit records a participant's exit. A harvester exiting during the
// close phase is the harvest-complete signal.
func (g *Gathering) observeExit(sessionID string) {
	h := g.harvester()
	if h != nil && h.SessionID == sessionID && g.CurrentPhase() == PhaseClose {
		g.harvestOnce.Do(func() { close(g.harvestCh) })
	}
}

func (g *Gathering) stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Run drives the ceremony to completion: the breathing phases round by
// round, then the close phase until the harvester finishes. It blocks, so
// callers usually run it in a goroutine.
func (g *Gathering) Run(ctx context.Context) error {
	phases := []struct {
		phase  Phase
		rounds int
	}{
		{PhaseInhale, g.cfg.InhaleRounds},
		{PhaseHold, g.cfg.HoldRounds},
		{PhaseExhale, g.cfg.ExhaleRounds},
	}

	for _, ph := range phases {
		g.setPhase(ph.phase)
		g.m.broadcast(g.relay, phaseBanner(ph.phase, ph.rounds))
		for round := 1; round <= ph.rounds; round++ {
			for _, sp := range g.speakers() {
				if !g.relay.Active() {
					return ErrGatheringStopped
				}
				if err := g.runTurn(ctx, sp); err != nil {
					return err
				}
			}
		}
	}

	g.setPhase(PhaseClose)
	g.setCurrent(nil)
	g.m.broadcast(g.relay, phaseBanner(PhaseClose, 1))

	h := g.harvester()
	if err := g.m.sendTo(g.relay, h, harvestPrompt); err != nil {
		return fmt.Errorf("prompting harvester: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopCh:
		// The harvester exiting also ends the relay; completion wins.
		select {
		case <-g.harvestCh:
		default:
			return ErrGatheringStopped
		}
	case <-g.harvestCh:
	case <-time.After(g.cfg.HarvestTimeout):
		return ErrHarvestTimeout
	}

	g.m.End(g.relay.ID, "gathering complete")
	return nil
}

// runTurn hands the talking piece to one speaker and holds it until a pass
// phrase, the final beat, or a stop.
func (g *Gathering) runTurn(ctx context.Context, sp *Participant) error {
	// Drop passes left over from the previous turn.
drain:
	for {
		select {
		case <-g.passCh:
		default:
			break drain
		}
	}

	g.setCurrent(sp)
	defer g.setCurrent(nil)

	if err := g.m.sendTo(g.relay, sp, turnPrompt(sp.DisplayName)); err != nil {
		return fmt.Errorf("prompting speaker %s: %w", sp.SessionID, err)
	}

	for beat := 1; beat <= g.cfg.BeatCount; beat++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopCh:
			return ErrGatheringStopped
		case id := <-g.passCh:
			if id == sp.SessionID {
				return nil
			}
		case <-time.After(g.cfg.BeatInterval):
			if beat == g.cfg.BeatCount {
				_ = g.m.sendTo(g.relay, sp, closeOfTurnPrompt)
				return nil
			}
			_ = g.m.sendTo(g.relay, sp, fmt.Sprintf("beat %d/%d; continue, pivot, or pass", beat, g.cfg.BeatCount))
		}
	}
	return nil
}

const (
	closeOfTurnPrompt = "Final beat: bring your turn to a close and pass the piece."
	harvestPrompt     = "The circle closes. Synthesize everything you heard into the harvest artifact, then finish your session."
)

func phaseBanner(p Phase, rounds int) string {
	if p == PhaseClose {
		return "=== close phase begins: the harvester speaks ==="
	}
	return fmt.Sprintf("=== %s phase begins (%d round(s)) ===", p, rounds)
}

func turnPrompt(name string) string {
	return fmt.Sprintf("The talking piece comes to you, %s. Speak to the circle, or pass with \"I pass\".", name)
}
