package adapter

import (
	"errors"
	"sync"

	"github.com/teleclaude/teleclaude/internal/poller"
	"github.com/teleclaude/teleclaude/internal/session"
)

// Sink consumes one session's output stream.
type Sink interface {
	Observe(delta string) error
	NotifyExit() error
	Flush() error
}

// Outputs fans poller events into per-session output managers: an editable
// tail message for human-bound sessions, sequential chunk messages for peer
// topics. Sessions without a chat binding pass through untouched.
type Outputs struct {
	port  Port
	store *Store

	// TailLimit overrides the tail message size for human-bound sessions.
	// Zero keeps the default. Set before the first event.
	TailLimit int

	mu    sync.Mutex
	sinks map[string]Sink
}

// NewOutputs builds the output router over one port. store may be nil to
// disable transcripts.
func NewOutputs(port Port, store *Store) *Outputs {
	return &Outputs{port: port, store: store, sinks: make(map[string]Sink)}
}

// HandleEvent shapes one poller event for the session's chat binding.
func (o *Outputs) HandleEvent(sess *session.Session, ev poller.Event) error {
	if sess == nil || sess.ChatBinding == nil {
		return nil
	}
	switch ev.Kind {
	case poller.OutputChanged:
		return o.sinkFor(sess).Observe(ev.Delta)
	case poller.ExitedNormally, poller.ExitedAbnormally:
		s := o.sinkFor(sess)
		err := s.NotifyExit()
		if err == nil {
			o.mu.Lock()
			delete(o.sinks, sess.ID)
			o.mu.Unlock()
		}
		return err
	default:
		return nil
	}
}

// sinkFor returns the session's sink, creating it from the topic shape on
// first use.
func (o *Outputs) sinkFor(sess *session.Session) Sink {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sinks[sess.ID]; ok {
		return s
	}
	var s Sink
	if _, ok := ParseTopic(sess.ChatBinding.Topic); ok {
		s = NewChunker(o.port, sess.ID)
	} else {
		s = NewTail(o.port, o.store, sess.ID, o.TailLimit)
	}
	o.sinks[sess.ID] = s
	return s
}

// Notify sends a standalone status line to the session's bound channel,
// bypassing the sinks. Best-effort; the caller decides what a failure is
// worth.
func (o *Outputs) Notify(sess *session.Session, text string) error {
	if sess == nil || sess.ChatBinding == nil {
		return nil
	}
	_, err := o.port.Send(sess.ID, text)
	return err
}

// Flush retries every sink holding undelivered output. Used after a
// rate-limit backoff elapses.
func (o *Outputs) Flush() error {
	o.mu.Lock()
	sinks := make([]Sink, 0, len(o.sinks))
	for _, s := range o.sinks {
		sinks = append(sinks, s)
	}
	o.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
