package main

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/metric-attribution/internal/attribution"
)

var (
	runPending     bool
	runConcurrency int
)

var runCmd = &cobra.Command{
	Use:   "run [taskId...]",
	Short: "Execute pending attribution tasks in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !runPending {
			return eris.New("give task ids or --pending")
		}
		ctx := cmd.Context()

		env, err := initApp(ctx, "run", false)
		if err != nil {
			return err
		}
		defer env.Close(context.WithoutCancel(ctx))

		ids := args
		if runPending {
			pending, err := env.Service.PendingTasks(ctx)
			if err != nil {
				return err
			}
			ids = append(ids, pending...)
		}
		if err := runTasks(ctx, env.Service, ids, runConcurrency); err != nil {
			return err
		}

		if len(ids) == 1 {
			status, err := env.Service.GetTaskStatus(ctx, ids[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		}
		return nil
	},
}

// foregroundRunner runs one task synchronously.
type foregroundRunner interface {
	RunTask(ctx context.Context, taskID string) error
}

// runTasks executes ids with at most concurrency tasks in flight. Individual
// failures are recorded on their tasks and do not abort the batch.
func runTasks(ctx context.Context, svc foregroundRunner, ids []string, concurrency int) error {
	if len(ids) == 0 {
		zap.L().Info("no pending tasks")
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64
	for _, id := range ids {
		g.Go(func() error {
			if err := svc.RunTask(gctx, id); err != nil {
				failed.Add(1)
				if eris.Is(err, attribution.ErrNotFound) || eris.Is(err, attribution.ErrValidation) {
					zap.L().Warn("task skipped", zap.String("task_id", id), zap.Error(err))
				}
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "run tasks")
	}

	zap.L().Info("run complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runPending, "pending", false, "run every PENDING task")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 1, "tasks to run at once")
	rootCmd.AddCommand(runCmd)
}
