package adapter

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store appends session output to per-session transcript files. The tail
// manager truncates its chat message; the transcript keeps everything.
type Store struct {
	dir string
}

// NewStore writes transcripts under dir, created on first append.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the transcript file for a session.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".log")
}

// Append writes text to the session's transcript.
func (s *Store) Append(sessionID, text string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating transcript dir: %w", err)
	}
	f, err := os.OpenFile(s.Path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript for %s: %w", sessionID, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("appending transcript for %s: %w", sessionID, err)
	}
	return nil
}
