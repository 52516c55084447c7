package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout time.Duration
	stopPIDFile string
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running devq serve process",
	Long: `Stop a running "devq serve" process gracefully.
Sends SIGTERM and waits for queued commands to drain and the process to exit.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "time to wait before sending SIGKILL")
	stopCmd.Flags().StringVar(&stopPIDFile, "pid-file", defaultPIDFilePath(), "PID file written by serve")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if !isRunning(stopPIDFile) {
		fmt.Fprintln(out, "devq is not running")
		return nil
	}

	pid, err := readPIDFile(stopPIDFile)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}
	fmt.Fprintf(out, "Sent SIGTERM to %d, waiting for queued commands to drain...\n", pid)

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if !isRunning(stopPIDFile) {
			fmt.Fprintln(out, "devq stopped")
			_ = os.Remove(stopPIDFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	_ = os.Remove(stopPIDFile)
	fmt.Fprintln(out, "devq killed")
	return nil
}
