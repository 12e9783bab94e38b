// Package poller turns a terminal pane into a lazy, finite sequence of
// typed session events. One poller runs per live session; its events are
// totally ordered and the sequence terminates on the first exit event.
package poller

import "time"

// Kind tags a session event variant.
type Kind int

const (
	// OutputChanged carries new pane text since the last baseline.
	OutputChanged Kind = iota + 1
	// IdleDetected fires once when output has been stable past the idle
	// threshold, then arms until the next change.
	IdleDetected
	// ExitedNormally means the exit marker was seen or the agent command
	// finished; the sequence ends.
	ExitedNormally
	// ExitedAbnormally means the pane vanished or died; the sequence ends.
	ExitedAbnormally
)

// String returns the event kind name for logs.
func (k Kind) String() string {
	switch k {
	case OutputChanged:
		return "output_changed"
	case IdleDetected:
		return "idle_detected"
	case ExitedNormally:
		return "exited_normally"
	case ExitedAbnormally:
		return "exited_abnormally"
	default:
		return "unknown"
	}
}

// Event is the tagged union of session events. Only the fields of the
// tagged variant are meaningful.
type Event struct {
	Kind Kind

	// OutputChanged fields.
	Delta       string
	FirstSeenAt time.Time
	StableSince time.Time

	// IdleDetected field.
	IdleSince time.Time

	// ExitedNormally field. True when the exit marker was observed,
	// false when the agent process simply left the pane.
	MarkerSeen bool

	// ExitedAbnormally field.
	Reason string
}

// Terminal reports whether the event ends the poller's sequence.
func (e Event) Terminal() bool {
	return e.Kind == ExitedNormally || e.Kind == ExitedAbnormally
}
