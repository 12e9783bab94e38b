package todo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/git"
)

var (
	uncheckedBoxRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[ \]`)
	checkedBoxRe   = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[xX]\]`)
	headingRe      = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*$`)
)

// CountUncheckedBoxes counts `- [ ]` task boxes in markdown text.
func CountUncheckedBoxes(text string) int {
	return len(uncheckedBoxRe.FindAllString(text, -1))
}

// CountCheckedBoxes counts `- [x]` task boxes in markdown text.
func CountCheckedBoxes(text string) int {
	return len(checkedBoxRe.FindAllString(text, -1))
}

// sectionBody returns the trimmed body of the first heading whose title
// matches name case-insensitively, up to the next heading of the same or
// higher level. Empty when the section is absent or blank.
func sectionBody(text, name string) string {
	locs := headingRe.FindAllStringSubmatchIndex(text, -1)
	for i, loc := range locs {
		level := loc[3] - loc[2]
		title := text[loc[4]:loc[5]]
		if !strings.EqualFold(strings.TrimSpace(title), name) {
			continue
		}
		start := loc[1]
		end := len(text)
		for _, next := range locs[i+1:] {
			if next[3]-next[2] <= level {
				end = next[0]
				break
			}
		}
		return strings.TrimSpace(text[start:end])
	}
	return ""
}

// bundleDir returns the work-item bundle to read: the worktree's copy when
// it exists, else the main repository's.
func bundleDir(workingDir, worktreeDir, slug string) string {
	if worktreeDir != "" {
		wt := filepath.Join(worktreeDir, constants.DirTodos, slug)
		if fi, err := os.Stat(wt); err == nil && fi.IsDir() {
			return wt
		}
	}
	return filepath.Join(workingDir, constants.DirTodos, slug)
}

// FindArchive looks for done/NNN-{slug} under the working dir and returns
// its path relative to the working dir.
func FindArchive(workingDir, slug string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(workingDir, constants.DirDone, "*-"+slug))
	if err != nil {
		return "", false
	}
	sort.Strings(matches)
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() {
			return filepath.Join(constants.DirDone, filepath.Base(m)), true
		}
	}
	return "", false
}

// Archive moves todos/{slug} to done/NNN-{slug}, numbering after the
// existing archives. Returns the new path relative to the working dir.
func Archive(workingDir, slug string) (string, error) {
	if rel, ok := FindArchive(workingDir, slug); ok {
		return rel, nil
	}
	src := filepath.Join(workingDir, constants.DirTodos, slug)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("no bundle at %s", src)
	}

	doneDir := filepath.Join(workingDir, constants.DirDone)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return "", fmt.Errorf("creating done dir: %w", err)
	}
	entries, err := os.ReadDir(doneDir)
	if err != nil {
		return "", fmt.Errorf("reading done dir: %w", err)
	}
	name := fmt.Sprintf("%03d-%s", len(entries)+1, slug)
	if err := os.Rename(src, filepath.Join(doneDir, name)); err != nil {
		return "", fmt.Errorf("archiving %s: %w", slug, err)
	}
	return filepath.Join(constants.DirDone, name), nil
}

// VerifyArtifacts mechanically checks that the bundle is structurally
// consistent with what it claims for the given phase. It never consults an
// agent; every check is a file read or a git query.
func VerifyArtifacts(workingDir, worktreeDir, slug string, phase Phase) error {
	bundle := bundleDir(workingDir, worktreeDir, slug)

	// Every phase: state.yaml must parse and carry known values.
	if _, err := LoadState(bundle); err != nil {
		return err
	}

	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch phase {
	case PhasePrepare:
		for _, name := range []string{constants.FileRequirements, constants.FilePlan} {
			data, err := os.ReadFile(filepath.Join(bundle, name))
			if err != nil {
				fail("%s missing", name)
			} else if len(strings.TrimSpace(string(data))) == 0 {
				fail("%s is empty", name)
			}
		}

	case PhaseBuild:
		data, err := os.ReadFile(filepath.Join(bundle, constants.FilePlan))
		if err != nil {
			fail("%s missing", constants.FilePlan)
			break
		}
		plan := string(data)
		unchecked := CountUncheckedBoxes(plan)
		if unchecked > 0 {
			// Build still in progress: nothing to hold against the bundle.
			break
		}
		if CountCheckedBoxes(plan) == 0 {
			fail("%s has no task boxes", constants.FilePlan)
		}
		if worktreeDir != "" {
			wg := git.NewGit(worktreeDir)
			base, err := wg.DefaultBranch()
			if err != nil {
				fail("finding base branch: %v", err)
			} else if n, err := wg.CommitsAhead(base); err != nil {
				fail("counting commits: %v", err)
			} else if n == 0 {
				fail("plan is fully checked but the branch has no commits")
			}
		}
		qc, err := os.ReadFile(filepath.Join(bundle, constants.FileQualityChecklist))
		if err != nil {
			fail("%s missing", constants.FileQualityChecklist)
		} else if CountCheckedBoxes(sectionBody(string(qc), "Build Gates")) == 0 {
			fail("%s has no checked Build Gates item", constants.FileQualityChecklist)
		}

	case PhaseReview:
		data, err := os.ReadFile(filepath.Join(bundle, constants.FileReviewFindings))
		if err != nil {
			fail("%s missing", constants.FileReviewFindings)
			break
		}
		findings := string(data)
		if strings.TrimSpace(findings) == "" {
			fail("%s is empty", constants.FileReviewFindings)
			break
		}
		if sectionBody(findings, "Critical") == "" && sectionBody(findings, "Verdict") == "" {
			fail("%s looks like an unfilled template", constants.FileReviewFindings)
		}
		if ParseVerdict(findings) == VerdictNone {
			fail("%s has no verdict line", constants.FileReviewFindings)
		}

	case PhaseFinalize:
		if _, ok := FindArchive(workingDir, slug); !ok {
			fail("no archive under %s for %s", constants.DirDone, slug)
		}

	default:
		return fmt.Errorf("unknown phase %q", phase)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s verification failed: %s", phase, strings.Join(problems, "; "))
	}
	return nil
}
