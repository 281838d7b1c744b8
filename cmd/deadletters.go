package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/screenroast/screenroast/internal/resilience"
)

var deadLettersLimit int

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List items that exhausted their retry budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		entries, err := st.ListDeadLetters(ctx, deadLettersLimit)
		if err != nil {
			return eris.Wrap(err, "deadletters list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No dead letters.")
			return nil
		}

		formatDeadLetters(os.Stdout, entries)
		return nil
	},
}

func formatDeadLetters(w io.Writer, entries []resilience.DeadLetter) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tTITLE\tTYPE\tATTEMPTS\tWHEN\tERROR")
	for _, e := range entries {
		errText := e.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			e.ItemID,
			e.Title,
			e.ErrorType,
			e.Attempts,
			e.CreatedAt.Format(time.RFC3339),
			errText,
		)
	}
	tw.Flush()
}

func init() {
	deadLettersCmd.Flags().IntVar(&deadLettersLimit, "limit", 50, "max entries to list")
	rootCmd.AddCommand(deadLettersCmd)
}
