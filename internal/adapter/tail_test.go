package adapter

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
)

func testLogChat() *LogChat {
	return NewLogChat(log.New(io.Discard, "", 0))
}

// failPort wraps a LogChat and fails sends and edits on demand.
type failPort struct {
	*LogChat
	mu   sync.Mutex
	fail bool
}

func (f *failPort) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failPort) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *failPort) Send(session, text string) (string, error) {
	if f.failing() {
		return "", ErrUnavailable
	}
	return f.LogChat.Send(session, text)
}

func (f *failPort) Edit(session, messageID, text string) error {
	if f.failing() {
		return ErrUnavailable
	}
	return f.LogChat.Edit(session, messageID, text)
}

func TestTailSendsThenEdits(t *testing.T) {
	port := testLogChat()
	tail := NewTail(port, nil, "s1", 0)

	if err := tail.Observe("hello\n"); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := tail.Observe("world\n"); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	msgs := port.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 edited in place", len(msgs))
	}
	if msgs[0].Text != "hello\nworld\n" {
		t.Errorf("tail text = %q, want %q", msgs[0].Text, "hello\nworld\n")
	}
}

func TestTailTruncatesFromTop(t *testing.T) {
	port := testLogChat()
	store := NewStore(t.TempDir())
	tail := NewTail(port, store, "s1", 40)

	var all strings.Builder
	for i := 1; i <= 8; i++ {
		delta := fmt.Sprintf("line-%02d\n", i)
		all.WriteString(delta)
		if err := tail.Observe(delta); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	msgs := port.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	text := msgs[0].Text
	if strings.Contains(text, "line-01") {
		t.Errorf("oldest line survived truncation: %q", text)
	}
	if !strings.Contains(text, "line-08") {
		t.Errorf("newest line missing from tail: %q", text)
	}
	link := "[full transcript: " + store.Path("s1") + "]"
	if strings.Count(text, link) != 1 {
		t.Errorf("tail = %q, want exactly one transcript link", text)
	}

	raw, err := os.ReadFile(store.Path("s1"))
	if err != nil {
		t.Fatalf("ReadFile transcript: %v", err)
	}
	if string(raw) != all.String() {
		t.Errorf("transcript lost output: got %d bytes, want %d", len(raw), all.Len())
	}
}

func TestTailBuffersUntilPortRecovers(t *testing.T) {
	port := &failPort{LogChat: testLogChat(), fail: true}
	tail := NewTail(port, nil, "s1", 0)

	if err := tail.Observe("buffered\n"); err == nil {
		t.Fatal("Observe succeeded against a failing port")
	}
	if n := len(port.Messages("s1")); n != 0 {
		t.Fatalf("failing port recorded %d messages", n)
	}

	port.setFail(false)
	if err := tail.Flush(); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	msgs := port.Messages("s1")
	if len(msgs) != 1 || msgs[0].Text != "buffered\n" {
		t.Errorf("messages after recovery = %+v, want the buffered text", msgs)
	}

	// A flush with nothing pending must not resend.
	if err := tail.Flush(); err != nil {
		t.Fatalf("idle Flush: %v", err)
	}
	if n := len(port.Messages("s1")); n != 1 {
		t.Errorf("idle flush grew messages to %d", n)
	}
}
