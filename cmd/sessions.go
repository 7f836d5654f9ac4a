package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List recorded exam sessions",
	Annotations: map[string]string{dbAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sessions, err := DB.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			utils.ShowError("Failed to list sessions", err, nil)
			return err
		}
		printSessions(os.Stdout, sessions, Cfg.Escalation.Ceiling)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions to show (0 for all)")
	rootCmd.AddCommand(sessionsCmd)
}

func printSessions(out io.Writer, sessions []types.SessionRecord, ceiling int) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tEXAM\tSTUDENT\tOUTCOME\tSTATUS\tVIOLATIONS\tSTARTED\tDURATION")
	fmt.Fprintln(w, "-------\t----\t-------\t-------\t------\t----------\t-------\t--------")

	for _, s := range sessions {
		duration := "-"
		if !s.EndedAt.IsZero() {
			duration = utils.FmtElapsed(s.Duration())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(s.ID), orDash(s.ExamID), orDash(s.StudentID), s.Outcome,
			types.StatusFor(s.Violations, ceiling), s.Violations,
			s.StartedAt.Local().Format("2006-01-02 15:04"), duration)
	}
	w.Flush()
}

// shortID trims a UUID to its first block for display; review accepts the prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
