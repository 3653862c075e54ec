package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/batch"
	"github.com/sells-group/explain-cli/internal/model"
)

var (
	batchManifest string
	batchExport   string
	batchJSON     bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [files...]",
	Short: "Explain several reports in order with shared context",
	Long: "Runs each report through the explain service one at a time. Later reports see the openings and " +
		"measurements of earlier successes. Failed items are recorded in the store for a later retry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if batchManifest == "" && len(args) == 0 {
			return eris.New("batch: pass files or --manifest")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "batch", true)
		if err != nil {
			return err
		}
		defer env.Close()

		defaults := cfg.Request.Merge(requestFlags(cmd.Flags()))

		var items []model.BatchItem
		if batchManifest != "" {
			m, err := batch.LoadManifest(batchManifest)
			if err != nil {
				return err
			}
			m.Defaults = defaults.Merge(m.Defaults)
			items, err = m.BatchItems(ctx, env.Loader.Load)
			if err != nil {
				return err
			}
		} else {
			exts, err := env.Loader.LoadAll(ctx, args, cfg.Extract.Concurrency)
			if err != nil {
				return eris.Wrap(err, "batch: load inputs")
			}
			items = itemsFromFiles(args, exts, defaults)
		}

		progress := newBatchPrinter(os.Stderr)
		res, runErr := env.Batches.Run(ctx, items, batch.WithObserver(progress.observe))
		if res == nil {
			return runErr
		}

		if batchExport != "" {
			if err := batch.ExportXLSX(res, batchExport); err != nil {
				return err
			}
			zap.L().Info("batch exported", zap.String("path", batchExport))
		}

		if batchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return eris.Wrap(err, "batch: encode result")
			}
		} else {
			formatBatchResult(os.Stdout, res)
		}

		if errors.Is(runErr, batch.ErrAborted) {
			return eris.Wrap(runErr, "batch cancelled")
		}
		return runErr
	},
}

func itemsFromFiles(paths []string, exts []*model.Extraction, defaults batch.RequestOptions) []model.BatchItem {
	items := make([]model.BatchItem, len(paths))
	for i, p := range paths {
		items[i] = model.BatchItem{
			Key:      strconv.Itoa(i + 1),
			Filename: filepath.Base(p),
			Request:  defaults.Apply(model.AnalysisRequest{Extraction: exts[i]}),
		}
	}
	return items
}

// batchPrinter writes a line whenever an item changes status.
type batchPrinter struct {
	w      io.Writer
	status map[string]model.ItemStatus
}

func newBatchPrinter(w io.Writer) *batchPrinter {
	return &batchPrinter{w: w, status: make(map[string]model.ItemStatus)}
}

func (p *batchPrinter) observe(s batch.Snapshot) {
	for _, it := range s.Items {
		if p.status[it.Key] == it.Status {
			continue
		}
		p.status[it.Key] = it.Status
		if it.Status == model.ItemWaiting {
			continue
		}
		line := fmt.Sprintf("[%d/%d] %s: %s", s.Completed, s.Total, it.Label, it.Status)
		if it.Error != nil {
			line += " (" + it.Error.Title + ")"
		}
		_, _ = fmt.Fprintln(p.w, line)
	}
}

// formatBatchResult writes a per-item table followed by totals.
func formatBatchResult(out io.Writer, res *batch.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tLABEL\tSTATUS\tTEST TYPE\tERROR")
	_, _ = fmt.Fprintln(w, "-\t-----\t------\t---------\t-----")
	for i, it := range res.Items {
		testType, errText := "", ""
		if it.Result != nil {
			testType = it.Result.ParsedReport.TestTypeDisplay
		}
		if it.Error != nil {
			errText = string(it.Error.Category) + ": " + it.Error.Title
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, it.Label, it.Status, testType, errText)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nBatch %s: %s (%s), %d succeeded, %d failed",
		truncateID(res.BatchID), res.Status, res.Kind, res.Succeeded, res.Failed)
	if res.Cost > 0 {
		_, _ = fmt.Fprintf(out, ", estimated cost $%.4f", res.Cost)
	}
	_, _ = fmt.Fprintln(out)
}

func init() {
	addRequestFlags(batchCmd.Flags())
	batchCmd.Flags().StringVar(&batchManifest, "manifest", "", "YAML manifest listing the batch items")
	batchCmd.Flags().StringVar(&batchExport, "export", "", "write the batch result to an XLSX workbook")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "print the batch result as JSON")
	rootCmd.AddCommand(batchCmd)
}
