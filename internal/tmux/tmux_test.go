package tmux

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapError_SentinelMapping(t *testing.T) {
	b := New()
	base := errors.New("exit status 1")

	tests := []struct {
		stderr string
		want   error
	}{
		{"duplicate session: tc-abc", ErrPaneExists},
		{"session not found: tc-abc", ErrPaneNotFound},
		{"can't find session: tc-abc", ErrPaneNotFound},
		{"can't find pane: %42", ErrPaneNotFound},
		{"no server running on /tmp/tmux-1000/default", ErrUnavailable},
		{"error connecting to /tmp/tmux-1000/default (No such file or directory)", ErrUnavailable},
	}
	for _, tt := range tests {
		got := b.wrapError(base, tt.stderr)
		if !errors.Is(got, tt.want) {
			t.Errorf("wrapError(%q) = %v, want %v", tt.stderr, got, tt.want)
		}
	}
}

func TestWrapError_UnknownStderrKeepsMessage(t *testing.T) {
	b := New()
	got := b.wrapError(errors.New("exit status 1"), "bad option: -zz")
	if errors.Is(got, ErrPaneExists) || errors.Is(got, ErrPaneNotFound) || errors.Is(got, ErrUnavailable) {
		t.Errorf("wrapError mapped unknown stderr to a sentinel: %v", got)
	}
	if !strings.Contains(got.Error(), "bad option") {
		t.Errorf("wrapError lost stderr detail: %v", got)
	}
}

func TestExitMarker_StableAndUnique(t *testing.T) {
	a := ExitMarker("tc-one")
	b := ExitMarker("tc-two")
	if a == b {
		t.Errorf("markers for distinct handles collide: %q", a)
	}
	if ExitMarker("tc-one") != a {
		t.Errorf("marker not stable for same handle")
	}
}

func TestExitMarkerSuffix_DoesNotSelfMatch(t *testing.T) {
	// The suffix as typed into the pane must not itself look like a
	// completed marker line: "$?" is unexpanded in the echoed command.
	suffix := exitMarkerSuffix("tc-one")
	if !strings.Contains(suffix, `rc=$?`) {
		t.Errorf("suffix = %q, want unexpanded rc=$? in command text", suffix)
	}
	if strings.Contains(suffix, "rc=0") {
		t.Errorf("suffix = %q must not contain an expanded status", suffix)
	}
}
