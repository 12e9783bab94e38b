package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/doctor"
	"github.com/teleclaude/teleclaude/internal/tmux"
)

var (
	doctorFix     bool
	doctorVerbose bool
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupDiag,
	Short:   "Run health checks on the installation",
	Long: `Run diagnostic checks on the TeleClaude installation.

Core:
  home-directory     Home exists, is writable, has transcripts/ (fixable)
  config             config.toml parses and validates

Infrastructure:
  tmux-binary        tmux is installed and answers -V
  git-binary         git is installed
  agent-binaries     at least one agent CLI (claude, codex, gemini) in PATH

Daemon:
  daemon             daemon process alive and socket answering
  stale-sessions     every live session record has a tmux pane

Use --fix to attempt automatic fixes where a check supports it.

Examples:
  telec doctor
  telec doctor --fix
  telec doctor --verbose`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Attempt to automatically fix issues")
	doctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "Show detailed output")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	home := constants.Home()

	// Config load failure is itself a finding, so the context carries a
	// nil config rather than aborting the run.
	cfg, err := config.Load(home)
	if err != nil {
		cfg = nil
	}
	ctx := &doctor.CheckContext{
		Home:    home,
		Config:  cfg,
		Verbose: doctorVerbose,
	}

	d := doctor.NewDoctor()
	d.RegisterAll(doctor.DefaultChecks(tmux.New())...)

	fmt.Println()
	var report *doctor.Report
	if doctorFix {
		report = d.FixStreaming(ctx, os.Stdout)
	} else {
		report = d.RunStreaming(ctx, os.Stdout)
	}

	report.PrintSummary(os.Stdout)

	if report.HasErrors() {
		return fmt.Errorf("doctor found %d error(s)", report.Summary.Errors)
	}
	return nil
}
