package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running Weft engine",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()

	pid, err := readPID(pidFile)
	if err != nil {
		return fmt.Errorf("engine does not appear to be running: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to engine (PID %d)\n", pid)
	return nil
}
