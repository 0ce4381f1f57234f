package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/looper/internal/session"
)

// NewSessionsCommand creates the sessions command group
func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect recorded runs",
		Long: `Inspect runs recorded in the session database.

Every looper run is stored with its request, final state, statistics and
a history of iterations, progress events, rate limits and errors.`,
	}
	cmd.PersistentFlags().String("sessions-db", "", "Session database path")

	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := openSessionStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printSessionList(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().IntP("limit", "l", 20, "Maximum number of sessions (0 = all)")
	return cmd
}

func newSessionsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showHistory, _ := cmd.Flags().GetBool("history")
			store, err := openSessionStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := store.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var entries []session.Entry
			if showHistory {
				entries, err = store.History(cmd.Context(), sess.ID)
				if err != nil {
					return err
				}
			}
			printSession(cmd.OutOrStdout(), sess, entries)
			return nil
		},
	}
	cmd.Flags().Bool("history", true, "Include the session history")
	return cmd
}

func openSessionStore(cmd *cobra.Command) (*session.Store, error) {
	env, err := loadEnvironment(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("sessions-db") {
		v, _ := cmd.Flags().GetString("sessions-db")
		env.cfg.SessionsDB = v
	}
	if err := env.finalize(); err != nil {
		return nil, err
	}
	if env.cfg.SessionsDB == "" {
		return nil, fmt.Errorf("session recording is disabled (sessions_db is empty)")
	}
	return session.NewStore(env.cfg.SessionsDB)
}

func printSessionList(w io.Writer, sessions []*session.Session) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSUBAGENT\tBACKEND\tSTATE\tITERATIONS\tINSTRUCTION")
	for _, s := range sessions {
		state, iterations := "RUNNING", "-"
		if s.Outcome != nil {
			state = string(s.Outcome.FinalState)
			if s.Outcome.Statistics != nil {
				iterations = fmt.Sprintf("%d", s.Outcome.Statistics.TotalIterations)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"),
			s.Subagent, s.Backend, state, iterations, oneLine(s.Instruction, 50))
	}
	return tw.Flush()
}

func printSession(w io.Writer, s *session.Session, entries []session.Entry) {
	fmt.Fprintf(w, "Session:     %s\n", s.ID)
	fmt.Fprintf(w, "Request:     %s\n", s.RequestID)
	fmt.Fprintf(w, "Subagent:    %s (%s backend)\n", s.Subagent, s.Backend)
	if s.Model != "" {
		fmt.Fprintf(w, "Model:       %s\n", s.Model)
	}
	fmt.Fprintf(w, "Directory:   %s\n", s.WorkingDirectory)
	fmt.Fprintf(w, "Budget:      %s\n", budgetLabel(s.MaxIterations))
	fmt.Fprintf(w, "Created:     %s\n", s.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Instruction: %s\n", s.Instruction)

	if o := s.Outcome; o != nil {
		fmt.Fprintf(w, "State:       %s\n", o.FinalState)
		if s.CompletedAt != nil {
			fmt.Fprintf(w, "Completed:   %s (%s)\n", s.CompletedAt.Local().Format(time.RFC3339), s.CompletedAt.Sub(s.CreatedAt).Round(time.Second))
		}
		if st := o.Statistics; st != nil {
			fmt.Fprintf(w, "Iterations:  %d (successful %d, failed %d)\n", st.TotalIterations, st.SuccessfulIterations, st.FailedIterations)
			fmt.Fprintf(w, "Rate limits: %d (waited %s)\n", st.RateLimitEncounters, st.RateLimitWaitTime.Round(time.Second))
		}
		if o.Error != "" {
			fmt.Fprintf(w, "Error:       %s\n", o.Error)
		}
		if o.Output != "" {
			fmt.Fprintf(w, "Output:      %s\n", oneLine(o.Output, 200))
		}
	} else {
		fmt.Fprintln(w, "State:       in progress")
	}

	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "\nHistory (%d entries):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s  #%-3d %-10s %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Iteration, e.Type, oneLine(e.Content, 100))
	}
}

func budgetLabel(max int) string {
	if max < 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d iterations", max)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
