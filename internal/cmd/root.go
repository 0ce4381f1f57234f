package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for looper
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "looper",
		Short: "Iterative subagent execution loop",
		Long: `Looper drives an AI coding subagent (claude, cursor, codex or gemini)
through repeated iterations until the task is complete.

Each iteration hands the instruction to the subagent through either a
long-lived MCP server (protocol backend) or a per-iteration script
(script backend). Rate limits are waited out, transient failures are
retried as new iterations, and every run is recorded in a local session
database.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
		// main prints errors and maps exit codes
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .looper/config.yaml)")
	cmd.PersistentFlags().String("workdir", ".", "Working directory of the subagent")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewSessionsCommand())
	cmd.AddCommand(NewFeedbackCommand())

	return cmd
}
