package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
)

var computersCmd = &cobra.Command{
	Use:     "computers",
	GroupID: GroupDiag,
	Short:   "List federated computers",
	Long: `List the computers federated with this daemon.

With federation enabled, every daemon heartbeats its presence into the
shared chat channel and tracks the heartbeats it sees. A peer whose last
heartbeat is too old shows offline. The table is advisory; it only
reflects what this daemon has heard.

Examples:
  telec computers`,
	RunE: runComputers,
}

func init() {
	rootCmd.AddCommand(computersCmd)
}

func runComputers(cmd *cobra.Command, args []string) error {
	var res protocol.FederationListResult
	if err := daemonClient().Call(protocol.OpFederationList, nil, &res); err != nil {
		return daemonUnreachable(err)
	}

	if len(res.Computers) == 0 {
		fmt.Println("No federated computers seen. Is [federation] configured?")
		return nil
	}

	table := style.NewTable(
		style.Column{Name: "NAME", Width: 16},
		style.Column{Name: "HANDLE", Width: 16},
		style.Column{Name: "STATUS", Width: 8},
		style.Column{Name: "LAST SEEN", Width: 10, Align: style.AlignRight},
	)
	for _, c := range res.Computers {
		status := style.Success.Render(c.Status)
		if c.Status == "offline" {
			status = style.Dim.Render(c.Status)
		}
		table.AddRow(c.Name, c.BotHandle, status, formatAge(time.Since(c.LastSeen))+" ago")
	}
	fmt.Print(table.Render())
	return nil
}
