// Package monitoring exposes Prometheus metrics for the attribution service
// and runs a periodic task health check.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/metric-attribution/internal/model"
)

// Metric query kinds.
const (
	QueryTotal     = "total"
	QueryDimension = "dimension"
)

// Metrics holds the service collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	TasksSubmitted prometheus.Counter
	TasksFinished  *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	MetricQueries  *prometheus.CounterVec
	TasksByStatus  *prometheus.GaugeVec

	reg prometheus.Registerer
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attribution_tasks_submitted_total",
			Help: "Tasks accepted by the worker pool.",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attribution_tasks_finished_total",
			Help: "Tasks that reached a terminal state.",
		}, []string{"status"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attribution_task_duration_seconds",
			Help:    "Wall time of a task run.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}),
		MetricQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attribution_metric_queries_total",
			Help: "Metric query service calls.",
		}, []string{"kind"}),
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "attribution_tasks_by_status",
			Help: "Tasks created within the monitoring lookback window, by status.",
		}, []string{"status"}),
		reg: reg,
	}
	reg.MustRegister(m.TasksSubmitted, m.TasksFinished, m.TaskDuration, m.MetricQueries, m.TasksByStatus)
	return m
}

// RegisterQueueDepth exposes the worker backlog through depth.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "attribution_worker_queue_depth",
		Help: "Tasks waiting in the worker backlog.",
	}, func() float64 { return float64(depth()) }))
}

// Submitted counts an accepted task.
func (m *Metrics) Submitted() {
	if m == nil {
		return
	}
	m.TasksSubmitted.Inc()
}

// Finished records a terminal task and its run time in seconds.
func (m *Metrics) Finished(status model.TaskStatus, seconds float64) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(string(status)).Inc()
	m.TaskDuration.Observe(seconds)
}

// Queried counts a metric query of the given kind.
func (m *Metrics) Queried(kind string) {
	if m == nil {
		return
	}
	m.MetricQueries.WithLabelValues(kind).Inc()
}

// SetStatusCounts replaces the by-status gauges.
func (m *Metrics) SetStatusCounts(counts map[model.TaskStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskSuccess, model.TaskFailed, model.TaskCanceled} {
		m.TasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
