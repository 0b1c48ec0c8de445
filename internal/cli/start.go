package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Weft engine",
	Long: `Start the Weft engine in the foreground. The engine serves the
websocket gateway, recovers asynchronous runs, and shuts down cleanly
on SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("engine is already running (PID file: %s)", pidFile)
	}

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	return d.Run(context.Background())
}

func pidFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/weft.pid"
	}
	return filepath.Join(home, ".weft", "weft.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
