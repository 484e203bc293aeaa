// Package cli provides the Cobra-based command-line interface for
// relaymux.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	log "github.com/relaymux/relaymux/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relaymux",
	Short: "relaymux is a retrying, load-balancing LLM relay",
	Long: `relaymux relays chat completion requests across multiple upstream
channels, retrying and failing over according to a configurable policy,
and records an audit trail of every attempt.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.yaml)")
}
