package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/looper/internal/feedback"
)

// NewFeedbackCommand creates the feedback command group
func NewFeedbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Manage notes for the subagent",
		Long: `Manage the markdown feedback file shared with the subagent.

Open entries are reported at the start of every run, and the file path is
exported to backends as LOOPER_FEEDBACK_FILE.`,
	}

	cmd.AddCommand(newFeedbackAddCommand())
	cmd.AddCommand(newFeedbackListCommand())
	cmd.AddCommand(newFeedbackResolveCommand())
	return cmd
}

func newFeedbackAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <text...>",
		Short: "Add an open feedback entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFeedbackStore(cmd)
			if err != nil {
				return err
			}
			e, err := store.Add(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added feedback %s to %s\n", e.ID, store.Path())
			return nil
		},
	}
}

func newFeedbackListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List feedback entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			store, err := openFeedbackStore(cmd)
			if err != nil {
				return err
			}
			var entries []feedback.Entry
			if all {
				entries, err = store.List(cmd.Context())
			} else {
				entries, err = store.Open(cmd.Context())
			}
			if err != nil {
				return err
			}
			printFeedback(cmd.OutOrStdout(), entries, all)
			return nil
		},
	}
	cmd.Flags().BoolP("all", "a", false, "Include resolved entries")
	return cmd
}

func newFeedbackResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a feedback entry as resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFeedbackStore(cmd)
			if err != nil {
				return err
			}
			e, err := store.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved feedback %s\n", e.ID)
			return nil
		},
	}
}

func openFeedbackStore(cmd *cobra.Command) (*feedback.Store, error) {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return nil, err
	}
	if err := env.finalize(); err != nil {
		return nil, err
	}
	return feedback.NewStore(env.cfg.FeedbackFile), nil
}

func printFeedback(w io.Writer, entries []feedback.Entry, all bool) {
	if len(entries) == 0 {
		if all {
			fmt.Fprintln(w, "No feedback entries.")
		} else {
			fmt.Fprintln(w, "No open feedback.")
		}
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "[%s] %s  %s\n", e.Status, e.ID, e.CreatedAt.Local().Format(time.DateTime))
		for _, line := range strings.Split(e.Body, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}
