package adapter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/teleclaude/teleclaude/internal/constants"
)

// Message is one entry in a LogChat conversation.
type Message struct {
	ID   string
	Text string
}

// LogChat is the built-in reference Port: messages land in the daemon log
// and an in-memory table. It keeps every output path exercised on hosts with
// no chat platform configured and doubles as the test double.
type LogChat struct {
	logger *log.Logger

	mu   sync.Mutex
	seq  int
	msgs map[string][]Message
}

// NewLogChat builds a LogChat writing through logger. A nil logger uses the
// process default.
func NewLogChat(logger *log.Logger) *LogChat {
	if logger == nil {
		logger = log.Default()
	}
	return &LogChat{logger: logger, msgs: make(map[string][]Message)}
}

func (l *LogChat) Send(session, text string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("m%d", l.seq)
	l.msgs[session] = append(l.msgs[session], Message{ID: id, Text: text})
	l.logger.Printf("logchat %s: send %s (%d bytes)", session, id, len(text))
	return id, nil
}

func (l *LogChat) Edit(session, messageID, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.msgs[session] {
		if m.ID == messageID {
			l.msgs[session][i].Text = text
			l.logger.Printf("logchat %s: edit %s (%d bytes)", session, messageID, len(text))
			return nil
		}
	}
	return fmt.Errorf("logchat: no message %s in %s", messageID, session)
}

func (l *LogChat) MaxMessageLength() int {
	return constants.DefaultMaxMessageLength
}

func (l *LogChat) PeerPollInterval() time.Duration {
	return constants.DefaultPeerPollInterval
}

// Messages returns a copy of a session's conversation, oldest first.
func (l *LogChat) Messages(session string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs[session]...)
}
