package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show telec version",
	Long: `Show the telec version, build, and platform, plus the running
daemon's version when it differs from the CLI's.

Examples:
  telec version`,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("telec %s (build %s, %s/%s)\n", Version, Build, runtime.GOOS, runtime.GOARCH)

	var res protocol.PingResult
	if err := daemonClient().Call(protocol.OpPing, nil, &res); err == nil && res.Version != Version {
		fmt.Printf("%s daemon is running %s; restart it to pick up this binary\n",
			style.WarningPrefix, res.Version)
	}
	return nil
}
