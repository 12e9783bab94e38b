// telec is the TeleClaude binary: the CLI and, behind the hidden
// 'daemon run' subcommand, the daemon itself.
package main

import (
	"os"

	"github.com/teleclaude/teleclaude/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
