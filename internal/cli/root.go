package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var cfgFile string

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft - run orchestration and recovery engine",
	Long: `Weft turns user messages into durable, resumable assistant runs
across interchangeable text-generation backends, with exactly-once
finalization and crash-safe recovery of asynchronous completions.`,
	Version: version,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.weft/weft.json)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
