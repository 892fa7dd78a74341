// llmtap is a recording reverse proxy for the Anthropic Messages API. It
// forwards traffic to a configured upstream, records every exchange, and
// serves aggregated token-usage statistics.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// For testing
var osExit = os.Exit

var envFile string

var rootCmd = &cobra.Command{
	Use:   "llmtap",
	Short: "Recording reverse proxy for the Anthropic Messages API",
	Long: `llmtap sits between a coding assistant and the Anthropic API. It forwards
requests byte-exact, records every exchange with parsed token usage, and
exposes hourly and daily usage statistics over a local API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnvFile()
	},
}

// loadEnvFile loads the .env file if present; a missing file is not an
// error.
func loadEnvFile() {
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error loading %s file: %v\n", envFile, err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to .env file")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}
