package todo

import (
	"regexp"
	"strings"
)

// Verdict is the reviewer's call in review-findings.md.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictApprove
	VerdictChangesRequested
)

func (v Verdict) String() string {
	switch v {
	case VerdictApprove:
		return "APPROVE"
	case VerdictChangesRequested:
		return "REQUEST CHANGES"
	default:
		return "none"
	}
}

var verdictLineRe = regexp.MustCompile(`(?im)^\s*(?:\*\*)?verdict(?:\*\*)?\s*[:=]\s*(.+)$`)

// ParseVerdict extracts the verdict from review findings. It accepts a
// `verdict: X` line anywhere or a populated `## Verdict` section.
func ParseVerdict(text string) Verdict {
	if m := verdictLineRe.FindStringSubmatch(text); m != nil {
		return classifyVerdict(m[1])
	}
	if body := sectionBody(text, "Verdict"); body != "" {
		return classifyVerdict(body)
	}
	return VerdictNone
}

func classifyVerdict(s string) Verdict {
	u := strings.ToUpper(s)
	switch {
	case strings.Contains(u, "REQUEST CHANGES"),
		strings.Contains(u, "REQUEST_CHANGES"),
		strings.Contains(u, "CHANGES REQUESTED"):
		return VerdictChangesRequested
	case strings.Contains(u, "APPROVE"):
		return VerdictApprove
	default:
		return VerdictNone
	}
}
