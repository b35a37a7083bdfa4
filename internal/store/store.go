package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metric-attribution/internal/model"
)

// ErrNotFound is returned by getters when the requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for attribution trees, tasks,
// results and reports.
type Store interface {
	// Trees
	GetTree(ctx context.Context, treeID string) (*model.AttributionTree, error)
	SearchTreesByName(ctx context.Context, name string, limit int) ([]model.AttributionTree, error)
	SearchTreesByMetricName(ctx context.Context, name string, limit int) ([]model.MetricSummary, error)
	ListTrees(ctx context.Context, limit int) ([]model.AttributionTree, error)
	InsertTree(ctx context.Context, tree *model.AttributionTree) error
	UpdateTree(ctx context.Context, tree *model.AttributionTree) error

	// Tasks
	GetTask(ctx context.Context, taskID string) (*model.AnalysisTask, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.AnalysisTask, error)
	CountTasks(ctx context.Context, filter model.TaskFilter) (int, error)
	CountTasksByStatus(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error)
	InsertTask(ctx context.Context, task *model.AnalysisTask) error
	UpdateTask(ctx context.Context, task *model.AnalysisTask) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, progress int) error

	// FinishTask stores the result and the task's terminal state atomically.
	FinishTask(ctx context.Context, task *model.AnalysisTask, result *model.AttributionResult) error

	// Results
	GetResult(ctx context.Context, taskID string) (*model.AttributionResult, error)
	UpsertResult(ctx context.Context, result *model.AttributionResult) error

	// AI reports
	GetReport(ctx context.Context, taskID string) (*model.AiReport, error)
	UpsertReport(ctx context.Context, report *model.AiReport) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// likePattern wraps s for a substring match.
func likePattern(s string) string {
	return "%" + s + "%"
}
