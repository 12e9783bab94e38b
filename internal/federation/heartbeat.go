package federation

import (
	"context"
	"log"
	"time"
)

// Sender is the adapter-port slice the publisher needs.
type Sender interface {
	Send(session, text string) (string, error)
}

// Publisher announces this computer on the shared channel at a fixed
// cadence. Failures are logged and skipped; the next beat covers them.
type Publisher struct {
	sender   Sender
	channel  string
	name     string
	handle   string
	interval time.Duration
	logger   *log.Logger
}

// NewPublisher builds a heartbeat publisher for the shared channel.
func NewPublisher(sender Sender, channel, name, handle string, interval time.Duration, logger *log.Logger) *Publisher {
	return &Publisher{
		sender:   sender,
		channel:  channel,
		name:     name,
		handle:   handle,
		interval: interval,
		logger:   logger,
	}
}

// Run beats immediately, then on every tick until ctx is done. A parting
// offline beat is sent on the way out so peers drop us quickly; if it is
// lost, the offline threshold catches up.
func (p *Publisher) Run(ctx context.Context) {
	p.beat(StatusOnline)
	tick := time.NewTicker(p.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			p.beat(StatusOffline)
			return
		case <-tick.C:
			p.beat(StatusOnline)
		}
	}
}

func (p *Publisher) beat(status string) {
	if _, err := p.sender.Send(p.channel, FormatHeartbeat(p.name, p.handle, status)); err != nil {
		p.logger.Printf("[federation] heartbeat: %v", err)
	}
}
