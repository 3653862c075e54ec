package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/pipeline"
)

var retryForce bool

var retryCmd = &cobra.Command{
	Use:   "retry <failed-item-id>",
	Short: "Re-run a recorded batch failure",
	Long:  "Runs the stored request of a failed batch item again. The record is removed on success and its retry count bumped on another failure.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "batch", true)
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Store.GetFailed(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "retry")
		}
		if !item.CanRetry() && !retryForce {
			return eris.Errorf("retry: %s failures are not retryable (use --force to run anyway)", item.Error.Category)
		}

		log := zap.L().With(zap.String("failed_item", item.ID), zap.String("batch", item.BatchID))
		log.Info("retrying failed item", zap.Int("previous_retries", item.RetryCount))

		out := env.Jobs.Run(ctx, item.Request,
			pipeline.WithJobID(item.BatchID+"/"+item.ItemKey),
			pipeline.WithObserver(newProgressPrinter(os.Stderr).observe),
		)

		switch {
		case out.Succeeded():
			if err := env.Store.RemoveFailed(ctx, item.ID); err != nil {
				log.Warn("failed to remove retried item", zap.Error(err))
			}
		case out.Err != nil:
			if err := env.Store.IncrementFailedRetry(ctx, item.ID, *out.Err); err != nil {
				log.Warn("failed to record retry", zap.Error(err))
			}
		}
		return reportOutcome(os.Stdout, os.Stderr, out)
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryForce, "force", false, "retry even when the failure category is not retryable")
	rootCmd.AddCommand(retryCmd)
}
