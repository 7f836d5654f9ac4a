package cmd

import (
	"fmt"
	"strconv"

	"github.com/andresmejia3/proctor/internal/utils"
	"github.com/spf13/cobra"
)

var (
	flagNote  string
	flagClear bool
)

var flagCmd = &cobra.Command{
	Use:         "flag <event_id>",
	Short:       "Mark a violation event for manual review",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.ShowError("Invalid event ID", err, nil)
			return err
		}

		if err := DB.FlagViolation(cmd.Context(), id, !flagClear, flagNote); err != nil {
			utils.ShowError("Failed to flag event", err, nil)
			return err
		}

		if flagClear {
			fmt.Printf("✅ Event %d unflagged\n", id)
		} else {
			fmt.Printf("🚩 Event %d flagged for review\n", id)
		}
		return nil
	},
}

func init() {
	flagCmd.Flags().StringVarP(&flagNote, "note", "m", "", "Reviewer note to attach")
	flagCmd.Flags().BoolVar(&flagClear, "clear", false, "Remove the flag instead")
	rootCmd.AddCommand(flagCmd)
}
