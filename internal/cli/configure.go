package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcin/weft/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write a starter configuration file with a single Anthropic provider.
Edit the file to add providers or enable the gateway; credentials are
referenced, never stored in the config itself.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".weft", "weft.json")
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Dir(path)
	cfg.Providers = []config.ProviderConfig{{
		ID:        "anthropic",
		Kind:      config.ProviderAnthropic,
		SecretRef: "env:ANTHROPIC_API_KEY",
		Model:     "claude-sonnet-4-5",
	}}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	return nil
}
