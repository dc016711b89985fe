package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/store"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect the verification attempt log",
}

// -- attempts list --

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent verification attempts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		outcome, _ := cmd.Flags().GetString("outcome")
		sender, _ := cmd.Flags().GetString("sender")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.AttemptFilter{
			Outcome: model.Outcome(outcome),
			Sender:  sender,
			Limit:   limit,
		}
		if filter.Outcome != "" && !filter.Outcome.Valid() {
			return eris.Errorf("unknown outcome %q", outcome)
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		attempts, err := st.ListAttempts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "attempts list")
		}
		if len(attempts) == 0 {
			fmt.Fprintln(os.Stderr, "No attempts found.")
			return nil
		}

		formatAttemptsList(cmd.OutOrStdout(), attempts)
		return nil
	},
}

func init() {
	attemptsListCmd.Flags().String("outcome", "", "filter by outcome (issued, needs_review, duplicate, ...)")
	attemptsListCmd.Flags().String("sender", "", "filter by sender")
	attemptsListCmd.Flags().Duration("since", 0, "only attempts newer than this (e.g. 24h)")
	attemptsListCmd.Flags().Int("limit", 50, "max number of attempts to display")

	attemptsCmd.AddCommand(attemptsListCmd)
	rootCmd.AddCommand(attemptsCmd)
}

// formatAttemptsList writes a tabular list of attempts to out.
func formatAttemptsList(out io.Writer, attempts []model.VerificationAttempt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCREATED\tSENDER\tOUTCOME\tREF\tAMOUNT\tCONF\tCREDITS")
	for _, a := range attempts {
		outcome := string(a.Outcome)
		if a.FailureClass != model.FailureNone {
			outcome += "/" + string(a.FailureClass)
		}
		amount := "-"
		if a.Amount != nil {
			amount = a.Amount.StringFixed(2)
		}
		ref := a.TransactionRef
		if ref == "" {
			ref = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%d\n",
			shortID(a.ID),
			a.CreatedAt.Format("2006-01-02 15:04"),
			a.Sender,
			outcome,
			ref,
			amount,
			a.Confidence,
			a.Credits,
		)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
