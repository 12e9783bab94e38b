package doctor

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/style"
)

// ErrCannotFix is returned by Fix on checks without auto-fix support.
var ErrCannotFix = errors.New("check cannot be fixed automatically")

// DefaultChecks returns the standard check set in display order. panes is
// the tmux bridge the stale-session check cross-references.
func DefaultChecks(panes session.PaneLister) []Check {
	return []Check{
		NewHomeCheck(),
		NewConfigCheck(),
		NewTmuxBinaryCheck(),
		NewGitBinaryCheck(),
		NewAgentBinaryCheck(),
		NewDaemonCheck(),
		NewStaleSessionCheck(panes),
	}
}

// Doctor manages and executes health checks.
type Doctor struct {
	checks []Check
}

// NewDoctor creates a new Doctor with no registered checks.
func NewDoctor() *Doctor {
	return &Doctor{checks: make([]Check, 0)}
}

// Register adds a check to the doctor's check list.
func (d *Doctor) Register(check Check) {
	d.checks = append(d.checks, check)
}

// RegisterAll adds multiple checks to the doctor's check list.
func (d *Doctor) RegisterAll(checks ...Check) {
	d.checks = append(d.checks, checks...)
}

// Checks returns the list of registered checks.
func (d *Doctor) Checks() []Check {
	return d.checks
}

// categoryGetter is satisfied by checks that carry a category.
type categoryGetter interface {
	Category() string
}

// Run executes all registered checks and returns a report.
func (d *Doctor) Run(ctx *CheckContext) *Report {
	return d.run(ctx, nil, false)
}

// RunStreaming executes all checks, printing each result as it lands.
func (d *Doctor) RunStreaming(ctx *CheckContext, w io.Writer) *Report {
	return d.run(ctx, w, false)
}

// Fix runs all checks, attempting auto-fix on failures that support it.
func (d *Doctor) Fix(ctx *CheckContext) *Report {
	return d.run(ctx, nil, true)
}

// FixStreaming runs all checks with auto-fix and real-time output.
func (d *Doctor) FixStreaming(ctx *CheckContext, w io.Writer) *Report {
	return d.run(ctx, w, true)
}

func (d *Doctor) run(ctx *CheckContext, w io.Writer, fix bool) *Report {
	report := NewReport()

	for _, check := range d.checks {
		if w != nil {
			fmt.Fprintf(w, "  %s  %s...", style.Dim.Render("○"), check.Name())
		}

		start := time.Now()
		result := check.Run(ctx)
		if result.Name == "" {
			result.Name = check.Name()
		}
		if cg, ok := check.(categoryGetter); ok && result.Category == "" {
			result.Category = cg.Category()
		}

		if fix && result.Status != StatusOK && check.CanFix() {
			if w != nil {
				fmt.Fprintf(w, "%s", style.Dim.Render(" (fixing)"))
			}
			if err := check.Fix(ctx); err != nil {
				result.Details = append(result.Details, "Fix failed: "+err.Error())
			} else {
				// Re-run to verify the fix took.
				result = check.Run(ctx)
				if result.Name == "" {
					result.Name = check.Name()
				}
				if cg, ok := check.(categoryGetter); ok && result.Category == "" {
					result.Category = cg.Category()
				}
				if result.Status == StatusOK {
					result.Message = result.Message + " (fixed)"
				}
			}
		}

		result.Elapsed = time.Since(start)

		if w != nil {
			fmt.Fprintf(w, "\r  %s  %s", statusIcon(result.Status), result.Name)
			if result.Message != "" {
				fmt.Fprintf(w, "%s", style.Dim.Render(" "+result.Message))
			}
			fmt.Fprintln(w)
			if len(result.Details) > 0 && (ctx.Verbose || result.Status != StatusOK) {
				for _, detail := range result.Details {
					fmt.Fprintf(w, "     %s %s\n", style.Dim.Render("└"), style.Dim.Render(detail))
				}
			}
		}

		report.Add(result)
	}

	return report
}

// BaseCheck provides a base implementation for checks that don't support
// auto-fix. Embed this to get default Name/Description/Category/CanFix/Fix.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
	CheckCategory    string
}

// Name returns the check name.
func (b *BaseCheck) Name() string { return b.CheckName }

// Description returns the check description.
func (b *BaseCheck) Description() string { return b.CheckDescription }

// Category returns the check's category for grouping in output.
func (b *BaseCheck) Category() string { return b.CheckCategory }

// CanFix returns false by default.
func (b *BaseCheck) CanFix() bool { return false }

// Fix returns an error indicating this check cannot be auto-fixed.
func (b *BaseCheck) Fix(ctx *CheckContext) error { return ErrCannotFix }

// FixableCheck provides a base implementation for checks that support
// auto-fix. Embed this and implement Fix.
type FixableCheck struct {
	BaseCheck
}

// CanFix returns true for fixable checks.
func (f *FixableCheck) CanFix() bool { return true }
