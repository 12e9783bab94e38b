package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/daemon"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupServices,
	Short:   "Manage the TeleClaude daemon",
	RunE:    requireSubcommand,
	Long: `Manage the TeleClaude background daemon.

The daemon owns every agent session: it spawns tmux panes, polls their
output, relays it to chat adapters and peer sessions, and serves the RPC
socket the rest of the CLI talks to. One daemon runs per home directory
(` + constants.HomeEnv + `, default ~/.teleclaude).`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Long: `Start the TeleClaude daemon in the background.

The daemon runs until stopped with 'telec daemon stop'. Sessions and
their tmux panes survive daemon restarts; the daemon reconciles its
session table against live panes on startup.

Examples:
  telec daemon start`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long: `Stop the running TeleClaude daemon.

Asks the daemon to shut down over its socket; if the socket is dead the
process is signalled directly (SIGTERM, then SIGKILL after a grace
period). Tmux panes and session records are left in place.

With --for-deploy the daemon exits with code ` + fmt.Sprint(constants.ExitCodeRestart) + ` so a wrapper script
can rebuild the binary and start a fresh daemon.

Examples:
  telec daemon stop
  telec daemon stop --for-deploy`,
	RunE: runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the TeleClaude daemon.

Reports whether the daemon process is alive and whether its RPC socket
answers, plus version, PID, and uptime.

Examples:
  telec daemon status`,
	RunE: runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	Long: `View the daemon log file.

Shows the most recent log entries. Use -n to control how many lines to
display, or -f to follow the log in real time.

Examples:
  telec daemon logs            # Show last 50 lines
  telec daemon logs -n 200     # Show last 200 lines
  telec daemon logs -f         # Follow log output in real time`,
	RunE: runDaemonLogs,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run daemon in foreground (internal)",
	Long: `Run the TeleClaude daemon in the foreground.

This is what 'telec daemon start' spawns in the background. Run it
directly only for debugging or under an external supervisor.`,
	Hidden: true,
	RunE:   runDaemonRun,
}

var (
	daemonLogLines      int
	daemonLogFollow     bool
	daemonStopForDeploy bool
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	daemonCmd.AddCommand(daemonRunCmd)

	daemonStopCmd.Flags().BoolVar(&daemonStopForDeploy, "for-deploy", false,
		fmt.Sprintf("Exit with code %d so a deploy script restarts the daemon", constants.ExitCodeRestart))
	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	home := constants.Home()

	running, pid, err := daemon.IsRunning(home)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	// The binary is its own daemon: spawn a detached 'telec daemon run'.
	telecPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	runCmd := exec.Command(telecPath, "daemon", "run")
	runCmd.Stdin = nil
	runCmd.Stdout = nil
	runCmd.Stderr = nil

	if err := runCmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Give it a moment to take the lock and write the PID file.
	time.Sleep(200 * time.Millisecond)

	running, pid, err = daemon.IsRunning(home)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon failed to start (check logs with 'telec daemon logs')")
	}

	// If a concurrent start won the lock race, our spawn exited and the
	// PID file belongs to the winner.
	if pid != runCmd.Process.Pid {
		fmt.Printf("%s Daemon already running (PID %d)\n", style.Bold.Render("●"), pid)
		return nil
	}

	fmt.Printf("%s Daemon started (PID %d)\n", style.Bold.Render("✓"), pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	home := constants.Home()

	running, pid, err := daemon.IsRunning(home)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	// Prefer the RPC path: it lets the daemon shut down cleanly and is the
	// only way to request the deploy-restart exit code.
	var res protocol.DaemonStopResult
	rpcErr := daemonClient().Call(protocol.OpDaemonStop, protocol.DaemonStopParams{ForDeploy: daemonStopForDeploy}, &res)
	if rpcErr != nil {
		if daemonStopForDeploy {
			return fmt.Errorf("daemon socket unresponsive, cannot request deploy restart: %v", rpcErr)
		}
		if err := daemon.StopDaemon(home); err != nil {
			return fmt.Errorf("stopping daemon: %w", err)
		}
		fmt.Printf("%s Daemon stopped (was PID %d)\n", style.Bold.Render("✓"), pid)
		return nil
	}

	if err := waitForExit(home, 5*time.Second); err != nil {
		return err
	}
	if daemonStopForDeploy {
		fmt.Printf("%s Daemon stopped for deploy (was PID %d, exit %d)\n", style.Bold.Render("✓"), pid, res.ExitCode)
	} else {
		fmt.Printf("%s Daemon stopped (was PID %d)\n", style.Bold.Render("✓"), pid)
	}
	return nil
}

// waitForExit polls the PID file until the daemon process is gone.
func waitForExit(home string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		running, _, err := daemon.IsRunning(home)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		time.Sleep(constants.WaitPollInterval)
	}
	return fmt.Errorf("daemon acknowledged stop but is still running")
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	home := constants.Home()

	running, pid, err := daemon.IsRunning(home)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}

	if !running {
		fmt.Printf("%s Daemon is %s\n", style.Dim.Render("○"), "not running")
		fmt.Printf("\nStart with: %s\n", style.Dim.Render("telec daemon start"))
		return nil
	}

	fmt.Printf("%s Daemon is %s (PID %d)\n",
		style.Bold.Render("●"), style.Bold.Render("running"), pid)

	res, err := daemonClient().Ping()
	if err != nil {
		fmt.Printf("  %s socket unresponsive: %v\n", style.WarningPrefix, err)
		fmt.Printf("  Consider: %s\n", style.Dim.Render("telec daemon stop && telec daemon start"))
		return nil
	}

	fmt.Printf("  Version: %s\n", res.Version)
	fmt.Printf("  Started: %s (up %s)\n",
		res.Started.Format("2006-01-02 15:04:05"),
		time.Since(res.Started).Round(time.Second))
	fmt.Printf("  Socket:  %s\n", constants.SocketPath(home))
	return nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	logFile := constants.LogPath(constants.Home())

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logFile)
	}

	var tailCmd *exec.Cmd
	if daemonLogFollow {
		tailCmd = exec.Command("tail", "-f", logFile)
	} else {
		tailCmd = exec.Command("tail", "-n", fmt.Sprintf("%d", daemonLogLines), logFile)
	}
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(constants.Home(), Version)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	runErr := d.Run()
	code := d.ExitCode()
	_ = d.Close()
	if runErr != nil {
		return runErr
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
