package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
	"github.com/sells-group/explain-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded batches, failures and history",
	Long:  "Commands for listing and viewing batch runs, failed items and saved analyses in the local store.",
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	ctx := cmd.Context()
	if err := cfg.Validate("store"); err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(ctx, st)
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batch runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			runs, err := st.ListBatchRuns(ctx, store.RunFilter{
				Status: model.BatchStatus(status),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return eris.Wrap(err, "runs list")
			}
			if len(runs) == 0 {
				fmt.Fprintln(os.Stderr, "No runs found.")
				return nil
			}
			formatRunsList(os.Stdout, runs)
			return nil
		})
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show a batch run with its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			run, err := st.GetBatchRun(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "runs show")
			}
			items, err := st.ListBatchItems(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "runs show")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Run   *model.BatchRun        `json:"run"`
				Items []model.BatchItemState `json:"items"`
			}{run, items})
		})
	},
}

// -- runs failed --

var runsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed items awaiting a retry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		batchID, _ := cmd.Flags().GetString("batch")
		retryable, _ := cmd.Flags().GetBool("retryable")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			items, err := st.ListFailed(ctx, resilience.FailedFilter{
				BatchID:       batchID,
				RetryableOnly: retryable,
				Limit:         limit,
			})
			if err != nil {
				return eris.Wrap(err, "runs failed")
			}
			total, err := st.CountFailed(ctx)
			if err != nil {
				return eris.Wrap(err, "runs failed")
			}
			if len(items) == 0 {
				fmt.Fprintln(os.Stderr, "No failed items.")
				return nil
			}
			formatFailedList(os.Stdout, items)
			fmt.Fprintf(os.Stderr, "%d of %d failed items shown\n", len(items), total)
			return nil
		})
	},
}

// -- runs purge --

var runsPurgeCmd = &cobra.Command{
	Use:   "purge <batch-id>",
	Short: "Delete a batch run, its items and its failed items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			if err := st.PurgeBatch(ctx, args[0]); err != nil {
				return eris.Wrap(err, "runs purge")
			}
			fmt.Fprintf(os.Stderr, "Purged batch %s.\n", args[0])
			return nil
		})
	},
}

// -- runs history --

var runsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List analyses saved to the local store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd, func(ctx context.Context, st store.Store) error {
			entries, err := st.ListHistory(ctx, limit)
			if err != nil {
				return eris.Wrap(err, "runs history")
			}
			if len(entries) == 0 {
				fmt.Fprintln(os.Stderr, "No history saved.")
				return nil
			}
			formatHistoryList(os.Stdout, entries)
			return nil
		})
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by batch status (running, complete, failed, cancelled)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsFailedCmd.Flags().String("batch", "", "only items from this batch")
	runsFailedCmd.Flags().Bool("retryable", false, "only items whose failure category allows a retry")
	runsFailedCmd.Flags().Int("limit", 50, "max number of items to display")

	runsHistoryCmd.Flags().Int("limit", 20, "max number of records to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsFailedCmd)
	runsCmd.AddCommand(runsPurgeCmd)
	runsCmd.AddCommand(runsHistoryCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of batch runs to w.
func formatRunsList(out io.Writer, runs []model.BatchRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tITEMS\tOK\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t--\t------\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if r.Status != model.BatchRunning {
			dur = r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			r.Total,
			r.Succeeded,
			r.Failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatFailedList writes a tabular list of failed items to w.
func formatFailedList(out io.Writer, items []resilience.FailedItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tBATCH\tITEM\tLABEL\tCATEGORY\tRETRIES\tLAST FAILED")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t-----\t--------\t-------\t-----------")

	for _, f := range items {
		label := f.Label
		if len(label) > 30 {
			label = label[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			f.ID,
			truncateID(f.BatchID),
			f.ItemKey,
			label,
			f.Error.Category,
			f.RetryCount,
			f.LastFailedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatHistoryList writes a tabular list of history records to w.
func formatHistoryList(out io.Writer, entries []store.HistoryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSAVED\tTEST TYPE\tFILE\tSUMMARY")
	_, _ = fmt.Fprintln(w, "--\t-----\t---------\t----\t-------")

	for _, e := range entries {
		summary := e.Summary
		if len(summary) > 60 {
			summary = summary[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(e.ID),
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.TestTypeDisplay,
			e.Filename,
			summary,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
