package availability

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/constants"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(filepath.Join(t.TempDir(), "availability.json"))
}

func TestGetDefaultsToAvailable(t *testing.T) {
	tb := newTestTable(t)
	rec := tb.Get(agent.KindClaude)
	if !rec.Available {
		t.Errorf("Get on empty table: Available = false, want true")
	}
	if rec.UnavailableUntil != nil {
		t.Errorf("Get on empty table: UnavailableUntil = %v, want nil", rec.UnavailableUntil)
	}
}

func TestMarkUnavailableThenLazyExpiry(t *testing.T) {
	tb := newTestTable(t)
	base := time.Now()
	tb.now = func() time.Time { return base }

	until := base.Add(time.Hour)
	if err := tb.MarkUnavailable(agent.KindClaude, until, "rate limited"); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}

	rec := tb.Get(agent.KindClaude)
	if rec.Available {
		t.Fatal("Available = true inside cooldown, want false")
	}
	if rec.Reason != "rate limited" {
		t.Errorf("Reason = %q, want %q", rec.Reason, "rate limited")
	}

	// Move the clock past the cooldown; the read flips without any write.
	tb.now = func() time.Time { return base.Add(2 * time.Hour) }
	rec = tb.Get(agent.KindClaude)
	if !rec.Available {
		t.Error("Available = false after cooldown expiry, want true")
	}
}

func TestMarkUnavailableInThePastClears(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.MarkUnavailable(agent.KindCodex, time.Now().Add(-time.Minute), "stale"); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}
	if !tb.Available(agent.KindCodex) {
		t.Error("past until left the agent unavailable")
	}
}

func TestMarkAvailableClears(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.MarkUnavailable(agent.KindGemini, time.Now().Add(time.Hour), "outage"); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}
	if err := tb.MarkAvailable(agent.KindGemini); err != nil {
		t.Fatalf("MarkAvailable: %v", err)
	}
	rec := tb.Get(agent.KindGemini)
	if !rec.Available || rec.Reason != "" {
		t.Errorf("after MarkAvailable: Available = %v, Reason = %q, want true and empty", rec.Available, rec.Reason)
	}
}

func TestMarkRejectsUnknownKind(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.MarkUnavailable(agent.Kind("alien"), time.Now().Add(time.Hour), ""); err == nil {
		t.Error("MarkUnavailable with unknown kind succeeded, want error")
	}
	if err := tb.MarkAvailable(agent.Kind("alien")); err == nil {
		t.Error("MarkAvailable with unknown kind succeeded, want error")
	}
}

func TestListCoversDispatchableKinds(t *testing.T) {
	tb := newTestTable(t)
	recs := tb.List()
	if len(recs) != len(agent.DispatchableKinds()) {
		t.Fatalf("List = %d records, want %d", len(recs), len(agent.DispatchableKinds()))
	}
	for _, rec := range recs {
		if !rec.Available {
			t.Errorf("List on empty table: %s unavailable, want available", rec.AgentKind)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := filepath.Join(t.TempDir(), "availability.json")

	t1 := NewTable(store)
	until := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := t1.MarkUnavailable(agent.KindClaude, until, "quota exceeded"); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}

	t2 := NewTable(store)
	if err := t2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := t2.Get(agent.KindClaude)
	if rec.Available {
		t.Fatal("reloaded record reads available inside cooldown")
	}
	if rec.Reason != "quota exceeded" {
		t.Errorf("Reason = %q, want %q", rec.Reason, "quota exceeded")
	}
	if rec.UnavailableUntil == nil || !rec.UnavailableUntil.Equal(until) {
		t.Errorf("UnavailableUntil = %v, want %v", rec.UnavailableUntil, until)
	}
}

func TestLoadMissingStoreStartsEmpty(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.Load(); err != nil {
		t.Fatalf("Load with missing store: %v", err)
	}
	if !tb.Available(agent.KindClaude) {
		t.Error("empty table reports claude unavailable")
	}
}

func TestPickFirstAvailable(t *testing.T) {
	tb := newTestTable(t)
	p := NewPicker(tb)

	c, wait, err := p.Pick(agent.TaskPrepare)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if c.Kind != agent.KindClaude || c.Tier != agent.TierSlow {
		t.Errorf("Pick(prepare) = %s, want claude/slow", c)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0", wait)
	}
}

func TestPickSkipsUnavailable(t *testing.T) {
	tb := newTestTable(t)
	if err := tb.MarkUnavailable(agent.KindClaude, time.Now().Add(time.Hour), "rate limited"); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}
	p := NewPicker(tb)

	c, wait, err := p.Pick(agent.TaskPrepare)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if c.Kind != agent.KindCodex {
		t.Errorf("Pick(prepare) with claude down = %s, want codex first", c)
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0", wait)
	}
}

func TestPickSoonestWhenAllUnavailable(t *testing.T) {
	tb := newTestTable(t)
	base := time.Now()
	tb.now = func() time.Time { return base }

	if err := tb.MarkUnavailable(agent.KindClaude, base.Add(3*time.Hour), "a"); err != nil {
		t.Fatal(err)
	}
	if err := tb.MarkUnavailable(agent.KindCodex, base.Add(time.Hour), "b"); err != nil {
		t.Fatal(err)
	}
	if err := tb.MarkUnavailable(agent.KindGemini, base.Add(2*time.Hour), "c"); err != nil {
		t.Fatal(err)
	}

	p := NewPicker(tb)
	c, wait, err := p.Pick(agent.TaskPrepare)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if c.Kind != agent.KindCodex {
		t.Errorf("Pick with all down = %s, want codex (soonest cooldown)", c)
	}
	if wait != time.Hour {
		t.Errorf("wait = %v, want %v", wait, time.Hour)
	}
}

func TestPickUnknownTask(t *testing.T) {
	p := NewPicker(newTestTable(t))
	if _, _, err := p.Pick(agent.Task("paint")); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Pick(paint) = %v, want ErrUnknownTask", err)
	}
}

func TestScannerMatchesRateLimitBanners(t *testing.T) {
	s, err := NewScanner(constants.DefaultRateLimitPatterns)
	if err != nil {
		t.Fatalf("NewScanner: %v", err)
	}

	tests := []struct {
		text string
		want bool
	}{
		{"You've hit your usage limit for today.", true},
		{"Error: Rate limit exceeded, retry later", true},
		{"Quota exceeded for model", true},
		{"OAuth token has expired. Please run login again.", true},
		{"compiling package internal/session", false},
		{"all tests passed", false},
	}
	for _, tt := range tests {
		got, ok := s.Match(tt.text)
		if ok != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.text, ok, tt.want)
		}
		if ok && got == "" {
			t.Errorf("Match(%q) returned ok with empty fragment", tt.text)
		}
	}
}

func TestScannerRejectsBadPattern(t *testing.T) {
	if _, err := NewScanner([]string{"(unclosed"}); err == nil {
		t.Error("NewScanner with bad pattern succeeded, want error")
	}
}
