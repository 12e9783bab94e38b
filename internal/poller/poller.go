package poller

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/tmux"
)

// ReasonPaneLost is the abnormal-exit reason for a vanished pane.
const ReasonPaneLost = "pane_lost"

// overlapWindow is how much baseline tail is searched for in a fresh
// capture when scrollback eviction breaks the simple prefix relation.
const overlapWindow = 256

// Pane is the slice of the terminal bridge the poller needs.
type Pane interface {
	Capture(handle string) (string, error)
	AtShellPrompt(handle string) (bool, error)
}

// Options configure a poller.
type Options struct {
	// Interval between samples. Defaults to constants.DefaultPollInterval.
	Interval time.Duration
	// IdleThreshold of unchanged output before IdleDetected fires.
	// Defaults to constants.DefaultIdleThreshold.
	IdleThreshold time.Duration
	// BufferSize bounds buffered events. Defaults to
	// constants.DefaultEventBufferSize.
	BufferSize int
	// DetectAgentExit treats the pane returning to a shell prompt as a
	// normal exit. Off for shell-kind sessions.
	DetectAgentExit bool
	// Baseline primes the delta computation, folding existing pane text
	// (prompt echoes included) into history before the first sample.
	Baseline string
}

// Poller samples one pane and emits events. Run drives it to completion;
// Events is closed when the sequence ends.
type Poller struct {
	pane   Pane
	handle string
	opts   Options

	marker *regexp.Regexp
	out    chan Event

	// mu guards baseline, which relay deliveries and prompt injection
	// reset from outside the Run goroutine.
	mu       sync.Mutex
	baseline string

	pending     []Event
	lastChange  time.Time
	idleArmed   bool
	firstSeenAt time.Time
}

// New creates a poller for handle. The exit marker for the handle is
// watched from the start.
func New(pane Pane, handle string, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = constants.DefaultPollInterval
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = constants.DefaultIdleThreshold
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = constants.DefaultEventBufferSize
	}
	return &Poller{
		pane:   pane,
		handle: handle,
		opts:   opts,
		marker: ExitPattern(handle),
		out:    make(chan Event, opts.BufferSize),
		// A marker already on screen (stale scrollback) must not count.
		baseline:   norm.NFC.String(opts.Baseline),
		lastChange: time.Now(),
	}
}

// ExitPattern matches the exit marker on a line of its own, optionally with
// the command's status. Instruction text that merely mentions the marker
// mid-sentence does not match.
func ExitPattern(handle string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(tmux.ExitMarker(handle)) + `(?: rc=(\d+))?\s*$`)
}

// Events returns the poller's event stream. Closed after the terminal
// event is delivered.
func (p *Poller) Events() <-chan Event { return p.out }

// ResetBaseline folds text into the baseline so it never appears as a
// delta. Used after seeding a prompt, keeping the echoed instruction out of
// the relay stream.
func (p *Poller) ResetBaseline(text string) {
	p.mu.Lock()
	p.baseline = norm.NFC.String(text)
	p.mu.Unlock()
}

// Run samples the pane until a terminal event or context cancellation.
// Cancellation stops at the next sample boundary; the channel always closes.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.out)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		terminal := p.sample(time.Now())
		p.drain()
		if terminal {
			// Deliver what remains, then end the sequence.
			p.flush(ctx)
			return
		}
	}
}

// sample captures once, appends resulting events to the pending buffer, and
// reports whether a terminal event was produced.
func (p *Poller) sample(now time.Time) bool {
	text, err := p.pane.Capture(p.handle)
	if err != nil {
		if errors.Is(err, tmux.ErrPaneNotFound) || errors.Is(err, tmux.ErrUnavailable) {
			p.push(Event{Kind: ExitedAbnormally, Reason: ReasonPaneLost})
			return true
		}
		// Transient capture failure: skip the sample, keep the sequence.
		return false
	}
	text = norm.NFC.String(text)

	p.mu.Lock()
	baseline := p.baseline
	p.mu.Unlock()

	delta := computeDelta(baseline, text)
	if delta != "" {
		p.mu.Lock()
		p.baseline = text
		p.mu.Unlock()
		if p.firstSeenAt.IsZero() {
			p.firstSeenAt = now
		}
		p.push(Event{
			Kind:        OutputChanged,
			Delta:       delta,
			FirstSeenAt: p.firstSeenAt,
			StableSince: now,
		})
		p.firstSeenAt = time.Time{}
		p.lastChange = now
		p.idleArmed = false
	} else if !p.idleArmed && now.Sub(p.lastChange) >= p.opts.IdleThreshold {
		p.push(Event{Kind: IdleDetected, IdleSince: p.lastChange})
		p.idleArmed = true
	}

	if p.marker.MatchString(text) {
		p.push(Event{Kind: ExitedNormally, MarkerSeen: true})
		return true
	}
	if p.opts.DetectAgentExit {
		if atShell, err := p.pane.AtShellPrompt(p.handle); err == nil && atShell {
			p.push(Event{Kind: ExitedNormally, MarkerSeen: false})
			return true
		}
	}
	return false
}

// push buffers an event. When the buffer is full, adjacent OutputChanged
// events coalesce (deltas concatenate) so nothing is dropped silently;
// idle and exit events always append.
func (p *Poller) push(ev Event) {
	if ev.Kind == OutputChanged && len(p.pending) >= p.opts.BufferSize {
		for i := len(p.pending) - 1; i >= 0; i-- {
			if p.pending[i].Kind == OutputChanged {
				p.pending[i].Delta += ev.Delta
				p.pending[i].StableSince = ev.StableSince
				return
			}
		}
	}
	p.pending = append(p.pending, ev)
}

// drain moves pending events into the channel without blocking.
func (p *Poller) drain() {
	for len(p.pending) > 0 {
		select {
		case p.out <- p.pending[0]:
			p.pending = p.pending[1:]
		default:
			return
		}
	}
}

// flush delivers remaining events, blocking until consumed or cancelled.
func (p *Poller) flush(ctx context.Context) {
	for _, ev := range p.pending {
		select {
		case p.out <- ev:
		case <-ctx.Done():
			return
		}
	}
	p.pending = nil
}

// computeDelta returns the text newly appended beyond baseline. When
// scrollback eviction breaks the prefix relation, the baseline's tail is
// located inside the fresh capture; if even that fails the whole capture
// counts as new.
func computeDelta(baseline, text string) string {
	if baseline == "" {
		return text
	}
	if text == baseline {
		return ""
	}
	if strings.HasPrefix(text, baseline) {
		return text[len(baseline):]
	}

	tail := baseline
	if len(tail) > overlapWindow {
		tail = tail[len(tail)-overlapWindow:]
	}
	if idx := strings.LastIndex(text, tail); idx >= 0 {
		return text[idx+len(tail):]
	}
	return text
}

// ExitStatus extracts the command status from a marker line, when present.
func ExitStatus(handle, text string) (int, bool) {
	m := ExitPattern(handle).FindStringSubmatch(text)
	if m == nil || m[1] == "" {
		return 0, false
	}
	var rc int
	if _, err := fmt.Sscanf(m[1], "%d", &rc); err != nil {
		return 0, false
	}
	return rc, true
}
