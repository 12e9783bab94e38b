package adapter

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// Tail maintains the single editable chat message mirroring a human-bound
// session's recent output. New deltas append; once the text outgrows the
// limit it truncates from the top, and a pointer to the full transcript is
// added so nothing is lost.
type Tail struct {
	port      Port
	store     *Store
	sessionID string
	limit     int

	mu        sync.Mutex
	buf       string
	messageID string
	truncated bool
	dirty     bool
}

// NewTail builds a tail manager for one session. limit <= 0 uses the
// default tail size.
func NewTail(port Port, store *Store, sessionID string, limit int) *Tail {
	if limit <= 0 {
		limit = constants.DefaultTailMessageLimit
	}
	return &Tail{port: port, store: store, sessionID: sessionID, limit: limit}
}

// Observe folds a new output delta into the tail message.
func (t *Tail) Observe(delta string) error {
	if delta == "" {
		return nil
	}
	if t.store != nil {
		if err := t.store.Append(t.sessionID, delta); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf += delta
	t.trimLocked()
	t.dirty = true
	return t.flushLocked()
}

// NotifyExit delivers anything still buffered. The tail message itself is
// left as the session's final state.
func (t *Tail) NotifyExit() error {
	return t.Flush()
}

// Flush retries a delivery that previously failed.
func (t *Tail) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *Tail) flushLocked() error {
	if !t.dirty {
		return nil
	}
	text := t.buf
	if t.truncated && t.store != nil {
		text += "\n[full transcript: " + t.store.Path(t.sessionID) + "]"
	}
	if t.messageID == "" {
		id, err := t.port.Send(t.sessionID, text)
		if err != nil {
			return err
		}
		t.messageID = id
		t.dirty = false
		return nil
	}
	if err := t.port.Edit(t.sessionID, t.messageID, text); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

// trimLocked drops the oldest output until the tail fits the limit,
// preferring a line boundary and never splitting a rune.
func (t *Tail) trimLocked() {
	if len(t.buf) <= t.limit {
		return
	}
	t.truncated = true
	cut := len(t.buf) - t.limit
	if nl := strings.IndexByte(t.buf[cut:], '\n'); nl >= 0 && nl < t.limit-1 {
		cut += nl + 1
	}
	for cut < len(t.buf) && !utf8.RuneStart(t.buf[cut]) {
		cut++
	}
	t.buf = t.buf[cut:]
}
