// Package attribution orchestrates attribution tasks: it accepts task
// requests, runs them on the worker pool and serves their results.
package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/model"
	"github.com/sells-group/metric-attribution/internal/monitoring"
	"github.com/sells-group/metric-attribution/internal/store"
	"github.com/sells-group/metric-attribution/internal/worker"
)

// Paging defaults.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// DefaultCreator is recorded when the caller does not identify itself.
const DefaultCreator = "system"

// Submitter accepts jobs for asynchronous execution.
type Submitter interface {
	Submit(job worker.Job) error
}

// TaskRunner executes a task synchronously.
type TaskRunner interface {
	Run(ctx context.Context, taskID string) error
}

// CreateTaskRequest is the body of a task submission.
type CreateTaskRequest struct {
	TreeID                string           `json:"treeId" validate:"required"`
	ListID                string           `json:"listId"`
	ContributionThreshold *decimal.Decimal `json:"contributionThreshold" validate:"required"`
	TimeGranularity       string           `json:"timeGranularity" validate:"required,oneof=DAY WEEK MONTH YEAR"`
	BaselineDate          string           `json:"baselineDate" validate:"required,datetime=2006-01-02"`
	CompareDate           string           `json:"compareDate" validate:"required,datetime=2006-01-02"`
}

// TaskCreated acknowledges an accepted task.
type TaskCreated struct {
	TaskID          string            `json:"taskId"`
	TimeGranularity model.Granularity `json:"timeGranularity"`
	BaselineDate    string            `json:"baselineDate"`
	CompareDate     string            `json:"compareDate"`
}

// TreeBrief is one entry of a tree listing.
type TreeBrief struct {
	TreeID     string `json:"treeId"`
	TreeName   string `json:"treeName"`
	MetricID   string `json:"metricId"`
	MetricName string `json:"metricName"`
	Version    int    `json:"version"`
}

// TreeConfig is a tree with its parsed node structure.
type TreeConfig struct {
	TreeBrief
	TreeConfig *model.MetricTreeNode `json:"treeConfig"`
}

// TaskQuery selects a page of tasks. PageNo starts at 1.
type TaskQuery struct {
	TreeName string
	Creator  string
	PageNo   int
	PageSize int
}

// TaskList is one page of tasks.
type TaskList struct {
	Total    int                  `json:"total"`
	PageNo   int                  `json:"pageNo"`
	PageSize int                  `json:"pageSize"`
	Tasks    []model.AnalysisTask `json:"tasks"`
}

// TaskStatus is the progress view of a task.
type TaskStatus struct {
	TaskID    string           `json:"taskId"`
	Status    model.TaskStatus `json:"status"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"createTime"`
	StartedAt *time.Time       `json:"startTime,omitempty"`
	EndedAt   *time.Time       `json:"endTime,omitempty"`
}

// Result is the finished attribution of a task.
type Result struct {
	TaskID          string                           `json:"taskId"`
	TreeID          string                           `json:"treeId"`
	TreeName        string                           `json:"treeName"`
	TimeGranularity model.Granularity                `json:"timeGranularity"`
	BaselineDate    string                           `json:"baselineDate"`
	CompareDate     string                           `json:"compareDate"`
	ResultTree      *model.AttributionTreeResultNode `json:"resultTree"`
}

// Service is the entry point for creating and inspecting tasks.
type Service struct {
	store    store.Store
	runner   TaskRunner
	pool     Submitter
	metrics  *monitoring.Metrics
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a Service. metrics may be nil.
func NewService(st store.Store, runner TaskRunner, pool Submitter, metrics *monitoring.Metrics) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		store:    st,
		runner:   runner,
		pool:     pool,
		metrics:  metrics,
		validate: v,
		now:      time.Now,
	}
}

// CreateTask validates req, persists a PENDING task and queues it. It
// returns as soon as the task is queued.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest, creator string) (*TaskCreated, error) {
	req.TimeGranularity = strings.ToUpper(strings.TrimSpace(req.TimeGranularity))
	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}
	if creator = strings.TrimSpace(creator); creator == "" {
		creator = DefaultCreator
	}

	tree, err := s.store.GetTree(ctx, req.TreeID)
	if err != nil {
		return nil, translateNotFound(err, "attribution: tree %s", req.TreeID)
	}

	now := s.now()
	task := &model.AnalysisTask{
		TaskID:                newTaskID(now),
		TreeID:                tree.TreeID,
		TreeName:              tree.TreeName,
		ListID:                req.ListID,
		ContributionThreshold: *req.ContributionThreshold,
		TimeGranularity:       model.Granularity(req.TimeGranularity),
		BaselineDate:          req.BaselineDate,
		CompareDate:           req.CompareDate,
		Status:                model.TaskPending,
		Message:               model.WaitingMessage,
		Creator:               creator,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, eris.Wrap(err, "attribution: insert task")
	}

	taskID := task.TaskID
	if err := s.pool.Submit(func(ctx context.Context) {
		_ = s.runner.Run(ctx, taskID) // failures are recorded on the task
	}); err != nil {
		s.reject(ctx, task, err)
		return nil, eris.Wrapf(err, "attribution: submit task %s", taskID)
	}
	s.metrics.Submitted()

	zap.L().Info("attribution: task created",
		zap.String("task_id", taskID),
		zap.String("tree_id", task.TreeID),
		zap.String("creator", creator),
	)
	return &TaskCreated{
		TaskID:          taskID,
		TimeGranularity: task.TimeGranularity,
		BaselineDate:    task.BaselineDate,
		CompareDate:     task.CompareDate,
	}, nil
}

func (s *Service) validateRequest(req *CreateTaskRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return eris.Wrap(ErrValidation, strings.Join(msgs, "; "))
		}
		return eris.Wrap(ErrValidation, err.Error())
	}
	t := *req.ContributionThreshold
	if t.IsNegative() || t.GreaterThan(decimal.NewFromInt(1)) {
		return eris.Wrap(ErrValidation, "contributionThreshold must be between 0 and 1")
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of " + fe.Param()
	case "datetime":
		return fe.Field() + " must be a yyyy-MM-dd date"
	default:
		return fe.Field() + " is invalid"
	}
}

// reject marks a task the pool refused as FAILED.
func (s *Service) reject(ctx context.Context, task *model.AnalysisTask, cause error) {
	if err := task.MarkFailed("task rejected: "+cause.Error(), s.now()); err != nil {
		zap.L().Error("attribution: mark rejected task", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		zap.L().Error("attribution: save rejected task", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	s.metrics.Finished(model.TaskFailed, 0)
}

// RunTask executes a task in the foreground.
func (s *Service) RunTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return translateNotFound(err, "attribution: task %s", taskID)
	}
	if task.Status != model.TaskPending {
		return eris.Wrapf(ErrValidation, "task %s is %s, only PENDING tasks can run", taskID, task.Status)
	}
	return s.runner.Run(ctx, taskID)
}

// PendingTasks returns the ids of every PENDING task, oldest first.
func (s *Service) PendingTasks(ctx context.Context) ([]string, error) {
	const page = 200
	var ids []string
	for offset := 0; ; offset += page {
		tasks, err := s.store.ListTasks(ctx, model.TaskFilter{Offset: offset, Limit: page})
		if err != nil {
			return nil, eris.Wrap(err, "attribution: list tasks")
		}
		for _, t := range tasks {
			if t.Status == model.TaskPending {
				ids = append(ids, t.TaskID)
			}
		}
		if len(tasks) < page {
			break
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// ListMetrics returns the metrics of trees whose metric name contains name.
func (s *Service) ListMetrics(ctx context.Context, name string, limit int) ([]model.MetricSummary, error) {
	metrics, err := s.store.SearchTreesByMetricName(ctx, strings.TrimSpace(name), normalizeLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "attribution: list metrics")
	}
	if metrics == nil {
		metrics = []model.MetricSummary{}
	}
	return metrics, nil
}

// ListTrees returns trees whose name contains name, or the most recently
// updated trees when name is blank.
func (s *Service) ListTrees(ctx context.Context, name string, limit int) ([]TreeBrief, error) {
	limit = normalizeLimit(limit)
	var (
		trees []model.AttributionTree
		err   error
	)
	if name = strings.TrimSpace(name); name == "" {
		trees, err = s.store.ListTrees(ctx, limit)
	} else {
		trees, err = s.store.SearchTreesByName(ctx, name, limit)
	}
	if err != nil {
		return nil, eris.Wrap(err, "attribution: list trees")
	}

	out := make([]TreeBrief, 0, len(trees))
	for i := range trees {
		out = append(out, brief(&trees[i]))
	}
	return out, nil
}

// GetTreeConfig returns a tree with its parsed configuration.
func (s *Service) GetTreeConfig(ctx context.Context, treeID string) (*TreeConfig, error) {
	tree, err := s.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, translateNotFound(err, "attribution: tree %s", treeID)
	}
	root, err := tree.Root()
	if err != nil {
		return nil, eris.Wrapf(ErrConfig, "%v", err)
	}
	return &TreeConfig{TreeBrief: brief(tree), TreeConfig: root}, nil
}

func brief(t *model.AttributionTree) TreeBrief {
	return TreeBrief{
		TreeID:     t.TreeID,
		TreeName:   t.TreeName,
		MetricID:   t.MetricID,
		MetricName: t.MetricName,
		Version:    t.Version,
	}
}

// ListTasks returns one page of tasks, newest first, with the total count.
func (s *Service) ListTasks(ctx context.Context, q TaskQuery) (*TaskList, error) {
	if q.PageNo <= 0 {
		q.PageNo = 1
	}
	q.PageSize = normalizeLimit(q.PageSize)

	filter := model.TaskFilter{
		TreeName: strings.TrimSpace(q.TreeName),
		Creator:  strings.TrimSpace(q.Creator),
		Offset:   (q.PageNo - 1) * q.PageSize,
		Limit:    q.PageSize,
	}
	total, err := s.store.CountTasks(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "attribution: count tasks")
	}
	var tasks []model.AnalysisTask
	if total > filter.Offset {
		tasks, err = s.store.ListTasks(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "attribution: list tasks")
		}
	}
	if tasks == nil {
		tasks = []model.AnalysisTask{}
	}
	return &TaskList{Total: total, PageNo: q.PageNo, PageSize: q.PageSize, Tasks: tasks}, nil
}

// GetTaskStatus returns the progress of a task.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, translateNotFound(err, "attribution: task %s", taskID)
	}
	return &TaskStatus{
		TaskID:    task.TaskID,
		Status:    task.Status,
		Progress:  task.Progress,
		Message:   task.Message,
		CreatedAt: task.CreatedAt,
		StartedAt: task.StartedAt,
		EndedAt:   task.EndedAt,
	}, nil
}

// GetResult returns the result tree of a successful task. A task that has
// not succeeded yields ErrNotReady.
func (s *Service) GetResult(ctx context.Context, taskID string) (*Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, translateNotFound(err, "attribution: task %s", taskID)
	}
	if task.Status != model.TaskSuccess {
		return nil, eris.Wrapf(ErrNotReady, "task %s is %s", taskID, task.Status)
	}
	res, err := s.store.GetResult(ctx, taskID)
	if err != nil {
		return nil, translateNotFound(err, "attribution: result of %s", taskID)
	}

	var root model.AttributionTreeResultNode
	if err := json.Unmarshal([]byte(res.ResultTree), &root); err != nil {
		return nil, eris.Wrapf(err, "attribution: decode result of %s", taskID)
	}
	return &Result{
		TaskID:          task.TaskID,
		TreeID:          task.TreeID,
		TreeName:        task.TreeName,
		TimeGranularity: task.TimeGranularity,
		BaselineDate:    task.BaselineDate,
		CompareDate:     task.CompareDate,
		ResultTree:      &root,
	}, nil
}

// GetReport returns the narrative report of a task.
func (s *Service) GetReport(ctx context.Context, taskID string) (*model.AiReport, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, translateNotFound(err, "attribution: task %s", taskID)
	}
	report, err := s.store.GetReport(ctx, taskID)
	if err != nil {
		return nil, translateNotFound(err, "attribution: report of %s", taskID)
	}
	return report, nil
}

func normalizeLimit(limit int) int {
	if limit < 1 || limit > MaxLimit {
		return DefaultLimit
	}
	return limit
}

// newTaskID builds "TASK" + epoch millis + four random hex digits.
func newTaskID(now time.Time) string {
	return "TASK" + strconv.FormatInt(now.UnixMilli(), 10) + strings.ToUpper(uuid.NewString()[:4])
}
