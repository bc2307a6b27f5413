// Package cli wires the sandarb commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sandarb",
	Short: "Content-governance control plane for AI agents",
	Long:  "Versioned, approval-gated prompts and contexts with a tamper-evident audit trail.\nAgents pull governed content over REST or MCP; every retrieval is policy-checked and recorded.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
