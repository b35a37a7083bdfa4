package attribution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/adtributor"
	"github.com/sells-group/metric-attribution/internal/compute"
	"github.com/sells-group/metric-attribution/internal/config"
	"github.com/sells-group/metric-attribution/internal/model"
	"github.com/sells-group/metric-attribution/internal/monitoring"
	"github.com/sells-group/metric-attribution/internal/store"
	"github.com/sells-group/metric-attribution/internal/tracing"
	"github.com/sells-group/metric-attribution/pkg/metricquery"
)

// Progress checkpoints of a running task.
const (
	ProgressParsed    = 5
	ProgressLoaded    = 30
	ProgressComputed  = 60
	ProgressAssembled = 90
)

const (
	msgTreeParsed      = "tree parsed"
	msgValuesLoaded    = "metric values loaded"
	msgNodesComputed   = "node contributions computed"
	msgAssembled       = "contributions assembled"
	msgAttributionDone = "attribution complete"
)

// Runner executes one attribution task end to end. The worker running a task
// is the only writer of its row.
type Runner struct {
	store   store.Store
	client  metricquery.Client
	cfg     config.AttributionConfig
	eps     decimal.Decimal
	engine  *compute.Engine
	dims    *adtributor.Engine
	metrics *monitoring.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRunner creates a Runner. metrics may be nil.
func NewRunner(st store.Store, client metricquery.Client, cfg config.AttributionConfig, metrics *monitoring.Metrics) *Runner {
	eps := decimal.NewFromFloat(cfg.Epsilon)
	return &Runner{
		store:  st,
		client: client,
		cfg:    cfg,
		eps:    eps,
		engine: compute.NewEngine(eps),
		dims: adtributor.NewEngine(eps, adtributor.Params{
			EPThreshold:      decimal.NewFromFloat(cfg.EPThreshold),
			EPTotalThreshold: decimal.NewFromFloat(cfg.EPTotalThreshold),
			MaxResults:       cfg.DimensionMaxResult,
		}),
		metrics: metrics,
		tracer:  tracing.Tracer("attribution"),
		now:     time.Now,
	}
}

// Run executes the task. Failures, including panics, are recorded on the task
// as FAILED and also returned for logging; they never leave the task RUNNING.
func (r *Runner) Run(ctx context.Context, taskID string) (err error) {
	ctx, span := r.tracer.Start(ctx, "attribution.task",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	start := r.now()
	log := zap.L().With(zap.String("task_id", taskID))

	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("attribution: panic: %v", p)
		}
		elapsed := r.now().Sub(start).Seconds()
		if err == nil {
			r.metrics.Finished(model.TaskSuccess, elapsed)
			log.Info("attribution: task complete", zap.Float64("seconds", elapsed))
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "attribution failed")
		log.Error("attribution: task failed", zap.Error(err), zap.Bool("config_error", IsConfigError(err)))
		r.fail(ctx, taskID, err)
		r.metrics.Finished(model.TaskFailed, elapsed)
	}()

	return r.execute(ctx, taskID)
}

func (r *Runner) execute(ctx context.Context, taskID string) error {
	var (
		task *model.AnalysisTask
		tree *model.AttributionTree
		root *model.MetricTreeNode
		q    *querier
	)
	err := r.step(ctx, "parse_tree", func(ctx context.Context) error {
		var err error
		task, err = r.store.GetTask(ctx, taskID)
		if err != nil {
			return translateNotFound(err, "attribution: load task %s", taskID)
		}
		tree, err = r.store.GetTree(ctx, task.TreeID)
		if err != nil {
			return translateNotFound(err, "attribution: load tree %s", task.TreeID)
		}
		root, err = tree.Root()
		if err != nil {
			return eris.Wrapf(ErrConfig, "%v", err)
		}
		if err := root.Validate(); err != nil {
			return eris.Wrapf(ErrConfig, "%v", err)
		}
		filter, err := parseGlobalFilter(tree.GlobalFilter)
		if err != nil {
			return err
		}
		q = &querier{
			client:      r.client,
			metrics:     r.metrics,
			limit:       r.cfg.MetricQueryLimit,
			topLimit:    r.cfg.DimensionTopLimit,
			granularity: task.TimeGranularity,
			filter:      filter,
		}
		return r.checkpoint(ctx, task, ProgressParsed, msgTreeParsed)
	})
	if err != nil {
		return err
	}

	window := compute.Window{
		Baseline:    task.BaselineDate,
		Compare:     task.CompareDate,
		Granularity: task.TimeGranularity,
	}

	var values map[string]model.MetricValue
	err = r.step(ctx, "load_metric_values", func(ctx context.Context) error {
		var err error
		values, err = q.metricValues(ctx, root.MetricIDs(), window)
		if err != nil {
			return err
		}
		return r.checkpoint(ctx, task, ProgressLoaded, msgValuesLoaded)
	})
	if err != nil {
		return err
	}

	var computed *compute.NodeComputation
	err = r.step(ctx, "compute", func(ctx context.Context) error {
		var err error
		computed, err = r.engine.Compute(ctx, root, window, values)
		if err != nil {
			return err
		}
		return r.checkpoint(ctx, task, ProgressComputed, msgNodesComputed)
	})
	if err != nil {
		return err
	}

	var result model.AttributionTreeResultNode
	err = r.step(ctx, "assemble", func(ctx context.Context) error {
		a := &assembler{
			eps:         r.eps,
			dims:        r.dims,
			q:           q,
			window:      window,
			epThreshold: task.ContributionThreshold,
		}
		var err error
		result, err = a.assemble(ctx, computed)
		if err != nil {
			return err
		}
		return r.checkpoint(ctx, task, ProgressAssembled, msgAssembled)
	})
	if err != nil {
		return err
	}

	return r.step(ctx, "persist", func(ctx context.Context) error {
		body, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "attribution: encode result")
		}
		now := r.now()
		if err := task.MarkSuccess(msgAttributionDone, now); err != nil {
			return err
		}
		return eris.Wrap(r.store.FinishTask(ctx, task, &model.AttributionResult{
			TaskID:     task.TaskID,
			ResultTree: string(body),
			CreatedAt:  now,
		}), "attribution: finish task")
	})
}

// step runs fn inside a child span.
func (r *Runner) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "attribution."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return err
	}
	return nil
}

func (r *Runner) checkpoint(ctx context.Context, task *model.AnalysisTask, progress int, message string) error {
	if err := task.MarkRunning(progress, message, r.now()); err != nil {
		return err
	}
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return eris.Wrapf(err, "attribution: save progress %d", progress)
	}
	zap.L().Debug("attribution: checkpoint",
		zap.String("task_id", task.TaskID),
		zap.Int("progress", progress),
		zap.String("message", message),
	)
	return nil
}

// fail reloads the task and marks it FAILED.
func (r *Runner) fail(ctx context.Context, taskID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("task_id", taskID))

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		log.Error("attribution: reload failed task", zap.Error(err))
		return
	}
	if err := task.MarkFailed(failureMessage(cause), r.now()); err != nil {
		log.Warn("attribution: cannot mark task failed", zap.Error(err))
		return
	}
	if err := r.store.UpdateTask(ctx, task); err != nil {
		log.Error("attribution: save failed task", zap.Error(err))
	}
}

// failureMessage renders the error chain without stack frames.
func failureMessage(err error) string {
	return fmt.Sprintf("%v", err)
}
