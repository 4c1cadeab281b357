package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/storage"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}

			store, err := openHistory(v.GetString("history-file"))
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				run, err := store.Get(args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			}

			runs, err := store.List(v.GetInt("limit"))
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")
	cmd.Flags().String("history-file", "", "History database path (default ~/.surge/history.db)")

	return cmd
}

func status(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}

func printRuns(w io.Writer, runs []storage.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tNAME\tSTATUS\tREQUESTS\tP95\tCHECKS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1fms\t%.1f%%\n",
			r.ID,
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Name,
			status(r.Passed),
			r.Summary.TotalRequests,
			r.Summary.P95LatencyMs,
			r.Summary.ChecksRate*100,
		)
	}
	tw.Flush()
}

func printRun(w io.Writer, r *storage.Run) {
	s := r.Summary
	fmt.Fprintf(w, "Run:          %s\n", r.ID)
	fmt.Fprintf(w, "Name:         %s\n", r.Name)
	fmt.Fprintf(w, "Started:      %s\n", r.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:     %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Status:       %s\n", status(r.Passed))
	fmt.Fprintf(w, "Requests:     %d (%d failed)\n", s.TotalRequests, s.FailedRequests)
	fmt.Fprintf(w, "Iterations:   %d (%d failed)\n", s.Iterations, s.FailedIterations)
	fmt.Fprintf(w, "Throughput:   %.2f req/s\n", s.RPS)
	fmt.Fprintf(w, "Checks:       %.2f%%\n", s.ChecksRate*100)
	fmt.Fprintf(w, "Latency:      avg %.2fms  p95 %.2fms  p99 %.2fms\n", s.AvgLatencyMs, s.P95LatencyMs, s.P99LatencyMs)
}
