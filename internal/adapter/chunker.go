package adapter

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// chunkAllowance reserves room in each message for the chunk marker.
const chunkAllowance = 16

// outputCompleteMarker is the terminal message of a peer output stream.
const outputCompleteMarker = "[Output Complete]"

// Chunker emits a peer-bound session's deltas as sequential messages capped
// at the platform's size limit. Nothing is edited after sending; chunks that
// could not be delivered stay queued until a later observe or flush.
type Chunker struct {
	port      Port
	sessionID string
	max       int

	mu      sync.Mutex
	pending []string
	done    bool
}

// NewChunker builds a chunker sized to the port's message cap.
func NewChunker(port Port, sessionID string) *Chunker {
	max := port.MaxMessageLength()
	if max <= chunkAllowance {
		max = constants.DefaultMaxMessageLength
	}
	return &Chunker{port: port, sessionID: sessionID, max: max}
}

// Observe queues a delta as chunk messages and attempts delivery.
func (c *Chunker) Observe(delta string) error {
	if delta == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, chunkMessages(delta, c.max-chunkAllowance)...)
	return c.flushLocked()
}

// NotifyExit queues the terminal completion marker. Safe to call more than
// once; the marker is emitted a single time.
func (c *Chunker) NotifyExit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		c.pending = append(c.pending, outputCompleteMarker)
	}
	return c.flushLocked()
}

// Flush retries queued chunks after a failed delivery.
func (c *Chunker) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Chunker) flushLocked() error {
	for len(c.pending) > 0 {
		if _, err := c.port.Send(c.sessionID, c.pending[0]); err != nil {
			return err
		}
		c.pending = c.pending[1:]
	}
	return nil
}

// chunkMessages splits text into send-ready messages, marked "[Chunk k/n]"
// when more than one is needed.
func chunkMessages(text string, size int) []string {
	parts := splitRunes(text, size)
	if len(parts) == 1 {
		return parts
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = fmt.Sprintf("[Chunk %d/%d] %s", i+1, len(parts), p)
	}
	return out
}

// splitRunes splits text into pieces of at most size bytes, never through
// the middle of a rune.
func splitRunes(text string, size int) []string {
	if size < utf8.UTFMax {
		size = utf8.UTFMax
	}
	var parts []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return append(parts, text)
}
