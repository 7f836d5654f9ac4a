package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var reviewFlaggedOnly bool

var reviewCmd = &cobra.Command{
	Use:         "review <session>",
	Short:       "Show the violation timeline of a session",
	Long:        "Prints every violation of a session with its offset from the start of the exam. The session may be given as a unique ID prefix.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		// 1. Resolve the session
		sess, err := DB.FindSession(ctx, args[0])
		if err != nil {
			utils.ShowError("Failed to find session", err, nil)
			return err
		}

		// 2. Load its timeline
		events, err := DB.GetViolations(ctx, sess.ID)
		if err != nil {
			utils.ShowError("Failed to load violations", err, nil)
			return err
		}

		printTimeline(os.Stdout, sess, events, reviewFlaggedOnly)
		return nil
	},
}

func init() {
	reviewCmd.Flags().BoolVarP(&reviewFlaggedOnly, "flagged", "f", false, "Only show events flagged for review")
	rootCmd.AddCommand(reviewCmd)
}

func printTimeline(out io.Writer, sess types.SessionRecord, events []store.ViolationRecord, flaggedOnly bool) {
	fmt.Fprintf(out, "📋 Session %s  exam=%s  student=%s  outcome=%s  violations=%d\n\n",
		sess.ID, orDash(sess.ExamID), orDash(sess.StudentID), sess.Outcome, sess.Violations)

	shown := 0
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EVENT\t#\tTIME\tTYPE\tSEVERITY\tCONFIDENCE\tFLAG\tMESSAGE")
	fmt.Fprintln(w, "-----\t-\t----\t----\t--------\t----------\t----\t-------")
	for _, ev := range events {
		if flaggedOnly && !ev.Flagged {
			continue
		}
		flag := ""
		if ev.Flagged {
			flag = "🚩"
		}
		msg := ev.Message
		if ev.Note != "" {
			msg = fmt.Sprintf("%s (%s)", msg, ev.Note)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			ev.ID, ev.Seq, utils.FmtElapsed(offset(sess.StartedAt, ev.Timestamp)),
			ev.Type, ev.Severity, ev.Confidence*100, flag, msg)
		shown++
	}

	if shown == 0 {
		fmt.Fprintln(out, "✅ No violations recorded.")
		return
	}
	w.Flush()
}
