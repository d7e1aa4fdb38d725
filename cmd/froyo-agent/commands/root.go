package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-agent",
		Short: "Froyo agent - remote execution of signed automation plans",
		Long: `froyo-agent runs on a managed host. It receives signed execution plans
from a message broker, stages them durably, executes their commands in a
Starlark session and uploads the results.

Features:
  - Signature verification of every inbound plan
  - Crash-safe resumption with per-command checkpoints
  - Stamp-based deduplication of stale plans
  - Plan admission through validation and Rego policies
  - Execution journal in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.cue, .yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}
