// Package cli implements the specforge command tree: a thin driver over
// the core execution engine, standing in for the out-of-scope HTTP layer
// for local runs and testing (SPEC_FULL.md §4.8).
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "specforge",
	Short: "Spec-driven development orchestrator core",
	Long: `specforge drives markdown specs through a chunk pipeline:
execute, validate, review, commit. Each spec runs in its own git
branch or worktree; chunks run in dependency order with a bounded
worker pool across specs.`,
	Example: `  # Run a spec file's chunks to completion
  specforge spec run myspec.yaml

  # Enqueue a spec behind the bounded worker pool
  specforge spec queue myspec.yaml --priority 5

  # Check that the reviewer CLI, git, and executor backend are reachable
  specforge doctor`,
	SilenceUsage: true,
}

var (
	flagProjectID string
	flagLogLevel  string
	flagLogFile   string
	flagDebug     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagProjectID, "project", "local", "project id, selects $HOME/.specforge/projects/<id>/config.yaml")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "also write rotated JSON logs to this path")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "shorthand for --log-level debug")
}

// Execute runs the command tree, returning any error from the selected
// command. main translates a non-nil error into exit code 1.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("specforge: %w", err)
	}
	return nil
}
