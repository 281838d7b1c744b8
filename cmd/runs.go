package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/screenroast/screenroast/internal/model"
)

var (
	runsJob   string
	runsLimit int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List refresh run history",
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

		job := runsJob
		if job == "" {
			job = cfg.Refresh.JobName
		}

		runs, err := st.ListRuns(ctx, job, runsLimit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func formatRunsList(w io.Writer, runs []model.JobRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tITEMS\tERROR")
	for _, run := range runs {
		duration := "-"
		if run.DurationMS != nil {
			duration = (time.Duration(*run.DurationMS) * time.Millisecond).String()
		}
		errText := run.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			run.ID,
			run.Status,
			run.StartedAt.Format(time.RFC3339),
			duration,
			run.ItemsEnqueued,
			errText,
		)
	}
	tw.Flush()
}

func init() {
	runsCmd.Flags().StringVar(&runsJob, "job", "", "job name (default from config)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "max runs to list")
	rootCmd.AddCommand(runsCmd)
}
