// Package adapter defines the chat-platform port and the per-session output
// managers that shape pane output into chat messages. Concrete platforms plug
// in behind Port; the daemon ships with a logging port so every host works
// without a chat platform configured.
package adapter

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable means the platform cannot accept messages right now.
	ErrUnavailable = errors.New("adapter unavailable")

	// ErrRateLimited means the outbound limiter is saturated. Callers keep
	// the undelivered text buffered and retry; output is never dropped.
	ErrRateLimited = errors.New("adapter rate limited")
)

// Port is the chat-platform surface TeleClaude writes to. session is the
// TeleClaude session ID; implementations map it to their own conversation
// identity through the session's chat binding.
type Port interface {
	// Send posts a new message and returns its platform message ID.
	Send(session, text string) (string, error)
	// Edit replaces the text of a previously sent message.
	Edit(session, messageID, text string) error
	// MaxMessageLength is the platform's message size cap in bytes.
	MaxMessageLength() int
	// PeerPollInterval is the pane sampling cadence the platform prefers
	// for peer-bound sessions.
	PeerPollInterval() time.Duration
}

// Limited wraps a Port with an outbound rate limiter. Saturation surfaces as
// ErrRateLimited carrying a retry hint instead of blocking the caller.
type Limited struct {
	Port
	limiter *rate.Limiter
}

// NewLimited allows one send per interval with the given burst headroom.
func NewLimited(p Port, interval time.Duration, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{Port: p, limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

func (l *Limited) reserve() error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return fmt.Errorf("%w: retry in %s", ErrRateLimited, d.Round(time.Millisecond))
	}
	return nil
}

func (l *Limited) Send(session, text string) (string, error) {
	if err := l.reserve(); err != nil {
		return "", err
	}
	return l.Port.Send(session, text)
}

func (l *Limited) Edit(session, messageID, text string) error {
	if err := l.reserve(); err != nil {
		return err
	}
	return l.Port.Edit(session, messageID, text)
}
