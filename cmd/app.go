package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/attribution"
	"github.com/sells-group/metric-attribution/internal/monitoring"
	"github.com/sells-group/metric-attribution/internal/resilience"
	"github.com/sells-group/metric-attribution/internal/store"
	"github.com/sells-group/metric-attribution/internal/tracing"
	"github.com/sells-group/metric-attribution/internal/worker"
	"github.com/sells-group/metric-attribution/pkg/metricquery"
)

// appEnv holds everything the serve and run commands share.
type appEnv struct {
	Store    store.Store
	Registry *prometheus.Registry
	Metrics  *monitoring.Metrics
	Runner   *attribution.Runner
	Pool     *worker.Pool // nil unless started with a pool
	Service  *attribution.Service

	shutdownTracing tracing.ShutdownFunc
}

// Close stops the pool, flushes traces and closes the store.
func (e *appEnv) Close(ctx context.Context) {
	if e.Pool != nil {
		if err := e.Pool.Shutdown(ctx); err != nil {
			zap.L().Warn("worker pool shutdown", zap.Error(err))
		}
	}
	if e.shutdownTracing != nil {
		if err := e.shutdownTracing(ctx); err != nil {
			zap.L().Warn("tracing shutdown", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func newMetricQueryClient() metricquery.Client {
	policy := resilience.DefaultPolicy()
	if cfg.MetricQuery.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MetricQuery.MaxAttempts
	}
	return metricquery.NewClient(cfg.MetricQuery.BaseURL,
		metricquery.WithTimeout(time.Duration(cfg.MetricQuery.TimeoutSecs)*time.Second),
		metricquery.WithRateLimit(cfg.MetricQuery.RatePerSec, cfg.MetricQuery.Burst),
		metricquery.WithRetryPolicy(policy),
		metricquery.WithBreaker(resilience.NewBreaker("metricquery", 5, 30*time.Second)),
	)
}

// initApp validates the config for mode, opens the store and builds the
// service. When pooled is set a worker pool bound to ctx is started.
func initApp(ctx context.Context, mode string, pooled bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	shutdown, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	env := &appEnv{
		Store:           cachedStore(st),
		Registry:        reg,
		Metrics:         metrics,
		shutdownTracing: shutdown,
	}
	env.Runner = attribution.NewRunner(env.Store, newMetricQueryClient(), cfg.Attribution, metrics)

	var submitter attribution.Submitter = refuseSubmitter{}
	if pooled {
		env.Pool = worker.New(ctx, worker.Config{
			MinWorkers:    cfg.Worker.MinWorkers,
			MaxWorkers:    cfg.Worker.MaxWorkers,
			QueueCapacity: cfg.Worker.QueueCapacity,
			KeepAlive:     cfg.Worker.KeepAlive(),
		})
		metrics.RegisterQueueDepth(func() int { return env.Pool.Stats().Queued })
		submitter = env.Pool
	}
	env.Service = attribution.NewService(env.Store, env.Runner, submitter, metrics)
	return env, nil
}

// refuseSubmitter backs services that only run tasks in the foreground.
type refuseSubmitter struct{}

func (refuseSubmitter) Submit(worker.Job) error {
	return worker.ErrPoolClosed
}
