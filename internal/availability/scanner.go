package availability

import (
	"fmt"
	"regexp"
)

// Scanner spots rate-limit and quota banners in agent output.
type Scanner struct {
	patterns []*regexp.Regexp
}

// NewScanner compiles the pattern list, failing on the first bad pattern.
// Patterns match case-insensitively.
func NewScanner(patterns []string) (*Scanner, error) {
	s := &Scanner{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling rate-limit pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Match returns the first matching fragment of text, which doubles as the
// unavailability reason.
func (s *Scanner) Match(text string) (string, bool) {
	for _, re := range s.patterns {
		if m := re.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}
