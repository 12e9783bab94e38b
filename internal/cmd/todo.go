package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/git"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
	"github.com/teleclaude/teleclaude/internal/todo"
)

var todoCmd = &cobra.Command{
	Use:     "todo",
	GroupID: GroupWork,
	Short:   "Drive work items through the todo state machine",
	RunE:    requireSubcommand,
	Long: `Drive work items through the todo state machine.

A work item lives under todos/{slug}/ in the project: input.md, the
prepared requirements and implementation plan, review findings, and
state.yaml. The state machine reads those files, decides the single next
action, and the daemon's orchestrator dispatches an agent session to do
it. Finished items are archived under done/.

The machine is stateless between calls; every answer is recomputed from
the files on disk, so it is safe to call next-work repeatedly.`,
}

var todoNextPrepareCmd = &cobra.Command{
	Use:   "next-prepare [slug]",
	Short: "Prepare the next (or named) work item",
	Long: `Advance preparation of a work item: requirements, then the
implementation plan. Without a slug the roadmap's first pending item is
picked and promoted to in-progress.

The daemon answers with the decided action and runs it in the background.

Examples:
  telec todo next-prepare
  telec todo next-prepare alpha
  telec todo next-prepare alpha --project ~/src/app`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTodoNextPrepare,
}

var todoNextWorkCmd = &cobra.Command{
	Use:   "next-work [slug]",
	Short: "Advance the next (or named) work item",
	Long: `Advance a work item through build, review, and finalize.

The state machine reads the item's bundle and decides the one next
action: dispatch a builder, run review, engage a fixer, finalize, or
archive. The daemon answers with the decision and runs it in the
background; call again after it lands to take the next step.

Examples:
  telec todo next-work
  telec todo next-work alpha`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTodoNextWork,
}

var todoVerifyCmd = &cobra.Command{
	Use:   "verify <slug>",
	Short: "Verify a work item's phase artifacts",
	Long: `Verify that a work item's artifacts satisfy a phase gate:
required files exist, checklists are fully checked, and sections are
non-empty. Exits non-zero when the gate fails, so agents and scripts can
use it directly.

Phases: ` + phaseNames() + `

Examples:
  telec todo verify alpha --phase prepare
  telec todo verify alpha --phase build --worktree trees/alpha`,
	Args: cobra.ExactArgs(1),
	RunE: runTodoVerify,
}

var (
	todoProject  string
	todoWorktree string
	todoPhase    string
)

func init() {
	todoCmd.AddCommand(todoNextPrepareCmd)
	todoCmd.AddCommand(todoNextWorkCmd)
	todoCmd.AddCommand(todoVerifyCmd)

	todoCmd.PersistentFlags().StringVar(&todoProject, "project", "", "Project path (default: enclosing git repo, else current directory)")
	todoVerifyCmd.Flags().StringVar(&todoWorktree, "worktree", "", "Worktree path (default: <project>/trees/<slug>)")
	todoVerifyCmd.Flags().StringVar(&todoPhase, "phase", "", "Phase gate to verify ("+phaseNames()+")")

	rootCmd.AddCommand(todoCmd)
}

func phaseNames() string {
	phases := todo.ValidPhases()
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func todoProjectPath() (string, error) {
	project := todoProject
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting current directory: %w", err)
		}
		project = cwd
		// The roadmap and bundles live at the repo root, so the command
		// works from any subdirectory.
		if g := git.NewGit(cwd); g.IsRepo() {
			if root, err := g.Root(); err == nil {
				project = root
			}
		}
	}
	return filepath.Abs(project)
}

func runTodoNextPrepare(cmd *cobra.Command, args []string) error {
	return runTodoNext(protocol.OpTodoNextPrepare, args)
}

func runTodoNextWork(cmd *cobra.Command, args []string) error {
	return runTodoNext(protocol.OpTodoNextWork, args)
}

func runTodoNext(op string, args []string) error {
	project, err := todoProjectPath()
	if err != nil {
		return err
	}
	slug := ""
	if len(args) > 0 {
		slug = args[0]
	}

	var d todo.Directive
	err = daemonClient().Call(op, protocol.TodoNextParams{Project: project, Slug: slug}, &d)
	if err != nil {
		return daemonUnreachable(err)
	}
	return printDirective(d)
}

// printDirective renders the state machine's answer for a human.
func printDirective(d todo.Directive) error {
	switch d.Kind {
	case todo.DirectiveError:
		return fmt.Errorf("%s: %s", d.Code, d.Message)

	case todo.DirectivePreparedOK:
		fmt.Printf("%s %s is prepared (requirements + plan in place)\n", style.SuccessPrefix, d.Slug)
		fmt.Printf("  Continue with: %s\n", style.Dim.Render("telec todo next-work "+d.Slug))
		return nil

	case todo.DirectiveCompleteOK:
		fmt.Printf("%s %s complete, archived to %s\n", style.SuccessPrefix, d.Slug, d.ArchivePath)
		return nil

	case todo.DirectiveToolCall:
		where := d.Project
		if d.Subfolder != "" {
			where = filepath.Join(where, d.Subfolder)
		}
		fmt.Printf("%s %s %s\n", style.ArrowPrefix, style.Bold.Render(d.Command), d.Args)
		fmt.Printf("  Agent:   %s (%s)\n", d.Agent, d.Tier)
		fmt.Printf("  Where:   %s\n", where)
		if d.Note != "" {
			fmt.Printf("  Note:    %s\n", d.Note)
		}
		if d.RetryAfter > 0 {
			fmt.Printf("  %s no agent free; retry in %s\n", style.WarningPrefix, d.RetryAfter)
			return nil
		}
		fmt.Printf("\nThe daemon is running this in the background. Watch with: %s\n",
			style.Dim.Render("telec sessions watch"))
		return nil

	default:
		return fmt.Errorf("unexpected directive %s", d.Kind)
	}
}

func runTodoVerify(cmd *cobra.Command, args []string) error {
	if todoPhase == "" {
		return fmt.Errorf("--phase is required (%s)", phaseNames())
	}
	project, err := todoProjectPath()
	if err != nil {
		return err
	}

	worktree := todoWorktree
	if worktree != "" && !filepath.IsAbs(worktree) {
		worktree = filepath.Join(project, worktree)
	}

	var res protocol.TodoVerifyResult
	err = daemonClient().Call(protocol.OpTodoVerify, protocol.TodoVerifyParams{
		Project:  project,
		Worktree: worktree,
		Slug:     args[0],
		Phase:    todoPhase,
	}, &res)
	if err != nil {
		return daemonUnreachable(err)
	}

	if !res.Passed {
		return fmt.Errorf("verify %s/%s failed: %s", args[0], todoPhase, res.Message)
	}
	fmt.Printf("%s %s passes the %s gate\n", style.SuccessPrefix, args[0], todoPhase)
	return nil
}
