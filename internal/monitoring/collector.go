package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metric-attribution/internal/model"
)

// Snapshot holds a point-in-time view of task health.
type Snapshot struct {
	Total    int     `json:"total"`
	Pending  int     `json:"pending"`
	Running  int     `json:"running"`
	Success  int     `json:"success"`
	Failed   int     `json:"failed"`
	Canceled int     `json:"canceled"`
	FailRate float64 `json:"fail_rate"`

	QueueDepth int `json:"queue_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Counts returns the per-status counts of the snapshot.
func (s *Snapshot) Counts() map[model.TaskStatus]int {
	return map[model.TaskStatus]int{
		model.TaskPending:  s.Pending,
		model.TaskRunning:  s.Running,
		model.TaskSuccess:  s.Success,
		model.TaskFailed:   s.Failed,
		model.TaskCanceled: s.Canceled,
	}
}

// TaskCounter is the store method the collector needs.
type TaskCounter interface {
	CountTasksByStatus(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error)
}

// Collector gathers task counts from the store.
type Collector struct {
	store TaskCounter
	queue func() int
	now   func() time.Time
}

// NewCollector creates a collector. queue reports the worker backlog and may
// be nil when no pool runs in this process.
func NewCollector(st TaskCounter, queue func() int) *Collector {
	return &Collector{store: st, queue: queue, now: time.Now}
}

// Collect gathers a snapshot of tasks created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountTasksByStatus(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count tasks")
	}

	snap.Pending = counts[model.TaskPending]
	snap.Running = counts[model.TaskRunning]
	snap.Success = counts[model.TaskSuccess]
	snap.Failed = counts[model.TaskFailed]
	snap.Canceled = counts[model.TaskCanceled]
	for _, n := range counts {
		snap.Total += n
	}

	if finished := snap.Success + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if c.queue != nil {
		snap.QueueDepth = c.queue()
	}
	return snap, nil
}
