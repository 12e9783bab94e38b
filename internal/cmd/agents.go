package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/agent"
	"github.com/teleclaude/teleclaude/internal/availability"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
)

var agentsCmd = &cobra.Command{
	Use:     "agents",
	GroupID: GroupSessions,
	Short:   "Show and mark agent availability",
	RunE:    requireSubcommand,
	Long: `Show and mark agent CLI availability.

Availability is advisory: the dispatcher consults it when picking an
agent for a role and falls back along the substitution matrix when the
preferred agent is marked unavailable. The daemon also marks agents
unavailable automatically when it spots rate-limit messages in their
output.`,
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent availability",
	Long: `List the advisory availability of every dispatchable agent kind.

Examples:
  telec agents list`,
	RunE: runAgentsList,
}

var agentsMarkCmd = &cobra.Command{
	Use:   "mark <agent>",
	Short: "Mark an agent available or unavailable",
	Long: `Mark an agent kind available or unavailable.

Marking unavailable starts a cooldown; the agent reads as available
again once it expires. Marking available clears any cooldown.

Examples:
  telec agents mark claude --unavailable --reason "rate limited"
  telec agents mark codex --unavailable --for 2h
  telec agents mark claude --available`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentsMark,
}

var (
	agentsMarkAvailable   bool
	agentsMarkUnavailable bool
	agentsMarkFor         time.Duration
	agentsMarkReason      string
)

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsMarkCmd)

	agentsMarkCmd.Flags().BoolVar(&agentsMarkAvailable, "available", false, "Clear the agent's cooldown")
	agentsMarkCmd.Flags().BoolVar(&agentsMarkUnavailable, "unavailable", false, "Start a cooldown for the agent")
	agentsMarkCmd.Flags().DurationVar(&agentsMarkFor, "for", constants.DefaultRateLimitCooldown,
		"Cooldown length when marking unavailable")
	agentsMarkCmd.Flags().StringVar(&agentsMarkReason, "reason", "", "Reason recorded on the cooldown")
	agentsMarkCmd.MarkFlagsMutuallyExclusive("available", "unavailable")

	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	var res protocol.AvailabilityListResult
	if err := daemonClient().Call(protocol.OpAvailabilityList, nil, &res); err != nil {
		return daemonUnreachable(err)
	}

	table := style.NewTable(
		style.Column{Name: "AGENT", Width: 7},
		style.Column{Name: "STATE", Width: 12},
		style.Column{Name: "UNTIL", Width: 20},
		style.Column{Name: "REASON", Width: 30},
	)
	for _, rec := range res.Records {
		table.AddRow(
			string(rec.AgentKind),
			availabilityState(rec),
			availabilityUntil(rec),
			orDash(rec.Reason),
		)
	}
	fmt.Print(table.Render())
	return nil
}

func runAgentsMark(cmd *cobra.Command, args []string) error {
	kind := strings.ToLower(args[0])
	if !agent.IsValidKind(kind) {
		return fmt.Errorf("invalid agent kind %q (valid: %s)", args[0], strings.Join(agent.ValidKinds(), ", "))
	}
	if !agentsMarkAvailable && !agentsMarkUnavailable {
		return fmt.Errorf("say which way: --available or --unavailable")
	}

	params := protocol.AvailabilityMarkParams{
		Agent:     kind,
		Available: agentsMarkAvailable,
		Reason:    agentsMarkReason,
	}
	if agentsMarkUnavailable {
		params.Until = time.Now().Add(agentsMarkFor)
	}

	var res protocol.AvailabilityMarkResult
	if err := daemonClient().Call(protocol.OpAvailabilityMark, params, &res); err != nil {
		return daemonUnreachable(err)
	}

	rec := res.Record
	if rec.Available {
		fmt.Printf("%s %s marked available\n", style.SuccessPrefix, rec.AgentKind)
	} else {
		fmt.Printf("%s %s marked unavailable until %s\n",
			style.SuccessPrefix, rec.AgentKind, rec.UnavailableUntil.Format("15:04:05"))
	}
	return nil
}

func availabilityState(rec availability.Record) string {
	if rec.Available {
		return style.Success.Render("available")
	}
	return style.Warning.Render("unavailable")
}

func availabilityUntil(rec availability.Record) string {
	if rec.UnavailableUntil == nil {
		return "-"
	}
	return rec.UnavailableUntil.Format("2006-01-02 15:04:05")
}
