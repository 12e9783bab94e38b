// Package doctor runs health checks over a TeleClaude installation: the
// binaries it shells out to, the home directory layout, the config file,
// the daemon, and the session store.
package doctor

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/style"
)

// Category constants for grouping checks.
const (
	CategoryCore           = "Core"
	CategoryInfrastructure = "Infrastructure"
	CategoryDaemon         = "Daemon"
)

// CategoryOrder defines the display order for categories.
var CategoryOrder = []string{
	CategoryCore,
	CategoryInfrastructure,
	CategoryDaemon,
}

// CheckStatus represents the result status of a health check.
type CheckStatus int

const (
	// StatusOK indicates the check passed.
	StatusOK CheckStatus = iota
	// StatusWarning indicates a non-critical issue.
	StatusWarning
	// StatusError indicates a critical problem.
	StatusError
)

// String returns a human-readable status.
func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// CheckContext provides the workspace handle checks run against.
type CheckContext struct {
	Home    string         // TeleClaude home directory
	Config  *config.Config // Loaded settings; nil when the config is broken
	Verbose bool
}

// CheckResult represents the outcome of a health check.
type CheckResult struct {
	Name     string        // Check name
	Status   CheckStatus   // Result status
	Message  string        // Primary result message
	Details  []string      // Additional information
	FixHint  string        // Suggestion if not auto-fixable
	Category string        // Category for grouping
	Elapsed  time.Duration // How long the check took to run
}

// Check defines the interface for a health check.
type Check interface {
	// Name returns the check identifier.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Run executes the check and returns a result.
	Run(ctx *CheckContext) *CheckResult

	// Fix attempts to automatically fix the issue.
	// Should only be called if CanFix() returns true.
	Fix(ctx *CheckContext) error

	// CanFix returns true if this check can automatically fix issues.
	CanFix() bool
}

// ReportSummary summarizes the results of all checks.
type ReportSummary struct {
	Total       int
	OK          int
	Warnings    int
	Errors      int
	SlowestName string
	SlowestTime time.Duration
}

// Report contains all check results and a summary.
type Report struct {
	Timestamp time.Time
	Checks    []*CheckResult
	Summary   ReportSummary
}

// NewReport creates an empty report with the current timestamp.
func NewReport() *Report {
	return &Report{
		Timestamp: time.Now(),
		Checks:    make([]*CheckResult, 0),
	}
}

// Add adds a check result to the report and updates the summary.
func (r *Report) Add(result *CheckResult) {
	r.Checks = append(r.Checks, result)
	r.Summary.Total++

	switch result.Status {
	case StatusOK:
		r.Summary.OK++
	case StatusWarning:
		r.Summary.Warnings++
	case StatusError:
		r.Summary.Errors++
	}

	if result.Elapsed > r.Summary.SlowestTime {
		r.Summary.SlowestName = result.Name
		r.Summary.SlowestTime = result.Elapsed
	}
}

// HasErrors returns true if any check reported an error.
func (r *Report) HasErrors() bool {
	return r.Summary.Errors > 0
}

// HasWarnings returns true if any check reported a warning.
func (r *Report) HasWarnings() bool {
	return r.Summary.Warnings > 0
}

// IsHealthy returns true if all checks passed without errors or warnings.
func (r *Report) IsHealthy() bool {
	return r.Summary.Errors == 0 && r.Summary.Warnings == 0
}

// Print outputs the report grouped by category, followed by a summary and
// a numbered warnings section.
func (r *Report) Print(w io.Writer, verbose bool) {
	_, _ = fmt.Fprintln(w)

	byCategory := make(map[string][]*CheckResult)
	for _, check := range r.Checks {
		cat := check.Category
		if cat == "" {
			cat = "Other"
		}
		byCategory[cat] = append(byCategory[cat], check)
	}

	var warnings []*CheckResult
	printGroup := func(category string) {
		checks := byCategory[category]
		if len(checks) == 0 {
			return
		}
		_, _ = fmt.Fprintln(w, style.Bold.Render(category))
		for _, check := range checks {
			r.printCheck(w, check, verbose)
			if check.Status != StatusOK {
				warnings = append(warnings, check)
			}
		}
		_, _ = fmt.Fprintln(w)
	}

	for _, category := range CategoryOrder {
		printGroup(category)
	}
	printGroup("Other")

	_, _ = fmt.Fprintln(w, style.Dim.Render(strings.Repeat("─", 44)))
	r.printSummary(w)
	r.printWarningsSection(w, warnings)
}

// PrintSummary outputs only the totals and the numbered warnings section.
// Used after streaming, where the per-check lines were already printed.
func (r *Report) PrintSummary(w io.Writer) {
	var warnings []*CheckResult
	for _, check := range r.Checks {
		if check.Status != StatusOK {
			warnings = append(warnings, check)
		}
	}
	_, _ = fmt.Fprintln(w, style.Dim.Render(strings.Repeat("─", 44)))
	r.printSummary(w)
	r.printWarningsSection(w, warnings)
}

// printCheck outputs a single check result line.
func (r *Report) printCheck(w io.Writer, check *CheckResult, verbose bool) {
	_, _ = fmt.Fprintf(w, "  %s  %s", statusIcon(check.Status), check.Name)
	if check.Message != "" {
		_, _ = fmt.Fprintf(w, "%s", style.Dim.Render(" "+check.Message))
	}
	_, _ = fmt.Fprintln(w)

	if len(check.Details) > 0 && (verbose || check.Status != StatusOK) {
		for _, detail := range check.Details {
			_, _ = fmt.Fprintf(w, "     %s %s\n", style.Dim.Render("└"), style.Dim.Render(detail))
		}
	}
}

// printSummary outputs the one-line totals.
func (r *Report) printSummary(w io.Writer) {
	_, _ = fmt.Fprintf(w, "%s %d passed  %s %d warnings  %s %d failed\n",
		style.SuccessPrefix, r.Summary.OK,
		style.WarningPrefix, r.Summary.Warnings,
		style.ErrorPrefix, r.Summary.Errors,
	)
}

// printWarningsSection outputs numbered warnings/errors sorted by severity.
func (r *Report) printWarningsSection(w io.Writer, warnings []*CheckResult) {
	if len(warnings) == 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintf(w, "%s All checks passed\n", style.SuccessPrefix)
		return
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, style.Warning.Render("WARNINGS"))

	// Errors first, then warnings.
	slices.SortStableFunc(warnings, func(a, b *CheckResult) int {
		if a.Status == StatusError && b.Status != StatusError {
			return -1
		}
		if a.Status != StatusError && b.Status == StatusError {
			return 1
		}
		return 0
	})

	for i, check := range warnings {
		line := fmt.Sprintf("%d. %s: %s", i+1, check.Name, check.Message)
		if check.Status == StatusError {
			_, _ = fmt.Fprintf(w, "  %s %s\n", statusIcon(check.Status), style.Error.Render(line))
		} else {
			_, _ = fmt.Fprintf(w, "  %s %s\n", statusIcon(check.Status), line)
		}
		if check.FixHint != "" {
			_, _ = fmt.Fprintf(w, "       %s %s\n", style.Dim.Render("└"), check.FixHint)
		}
	}
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusOK:
		return style.SuccessPrefix
	case StatusWarning:
		return style.WarningPrefix
	default:
		return style.ErrorPrefix
	}
}
