package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcin/weft/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := pidFilePath()

	if !isRunning(pidFile) {
		fmt.Println("Engine: not running")
		return nil
	}

	pid, _ := readPID(pidFile)
	fmt.Printf("Engine: running (PID %d)\n", pid)

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}

	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Printf("Providers: %d configured\n", len(cfg.Providers))
	if cfg.Gateway.Enabled {
		fmt.Printf("Gateway: ws://localhost:%d/ws\n", cfg.Gateway.Port)
	} else {
		fmt.Println("Gateway: disabled")
	}
	return nil
}
