package attribution

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metric-attribution/internal/model"
	"github.com/sells-group/metric-attribution/internal/store"
	"github.com/sells-group/metric-attribution/internal/worker"
	"github.com/sells-group/metric-attribution/pkg/metricquery"
)

// memStore is an in-memory store.Store.
type memStore struct {
	mu        sync.Mutex
	trees     map[string]model.AttributionTree
	tasks     map[string]model.AnalysisTask
	results   map[string]model.AttributionResult
	reports   map[string]model.AiReport
	history   map[string][]int
	finishErr error
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		trees:   make(map[string]model.AttributionTree),
		tasks:   make(map[string]model.AnalysisTask),
		results: make(map[string]model.AttributionResult),
		reports: make(map[string]model.AiReport),
		history: make(map[string][]int),
	}
}

func (m *memStore) GetTree(_ context.Context, treeID string) (*model.AttributionTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trees[treeID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "tree %s", treeID)
	}
	return &t, nil
}

func (m *memStore) sortedTrees(match func(model.AttributionTree) bool, limit int) []model.AttributionTree {
	var out []model.AttributionTree
	for _, t := range m.trees {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TreeID < out[j].TreeID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) SearchTreesByName(_ context.Context, name string, limit int) ([]model.AttributionTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedTrees(func(t model.AttributionTree) bool { return strings.Contains(t.TreeName, name) }, limit), nil
}

func (m *memStore) SearchTreesByMetricName(_ context.Context, name string, limit int) ([]model.MetricSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MetricSummary
	for _, t := range m.sortedTrees(func(t model.AttributionTree) bool { return strings.Contains(t.MetricName, name) }, limit) {
		out = append(out, model.MetricSummary{MetricID: t.MetricID, MetricName: t.MetricName, TreeID: t.TreeID, TreeName: t.TreeName})
	}
	return out, nil
}

func (m *memStore) ListTrees(_ context.Context, limit int) ([]model.AttributionTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedTrees(func(model.AttributionTree) bool { return true }, limit), nil
}

func (m *memStore) InsertTree(_ context.Context, tree *model.AttributionTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[tree.TreeID] = *tree
	return nil
}

func (m *memStore) UpdateTree(_ context.Context, tree *model.AttributionTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[tree.TreeID]; !ok {
		return store.ErrNotFound
	}
	m.trees[tree.TreeID] = *tree
	return nil
}

func (m *memStore) GetTask(_ context.Context, taskID string) (*model.AnalysisTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "task %s", taskID)
	}
	return &t, nil
}

func (m *memStore) filtered(f model.TaskFilter) []model.AnalysisTask {
	var out []model.AnalysisTask
	for _, t := range m.tasks {
		if f.TreeName != "" && !strings.Contains(t.TreeName, f.TreeName) {
			continue
		}
		if f.Creator != "" && t.Creator != f.Creator {
			continue
		}
		if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *memStore) ListTasks(_ context.Context, f model.TaskFilter) ([]model.AnalysisTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filtered(f)
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountTasks(_ context.Context, f model.TaskFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filtered(f)), nil
}

func (m *memStore) CountTasksByStatus(_ context.Context, since time.Time) (map[model.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.TaskStatus]int)
	for _, t := range m.filtered(model.TaskFilter{Since: since}) {
		out[t.Status]++
	}
	return out, nil
}

func (m *memStore) InsertTask(_ context.Context, task *model.AnalysisTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.TaskID]; ok {
		return eris.Errorf("duplicate task %s", task.TaskID)
	}
	m.tasks[task.TaskID] = *task
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, task *model.AnalysisTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.TaskID]; !ok {
		return store.ErrNotFound
	}
	m.tasks[task.TaskID] = *task
	m.history[task.TaskID] = append(m.history[task.TaskID], task.Progress)
	return nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	t.Status, t.Progress = status, progress
	m.tasks[taskID] = t
	return nil
}

func (m *memStore) FinishTask(_ context.Context, task *model.AnalysisTask, result *model.AttributionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	m.tasks[task.TaskID] = *task
	m.results[result.TaskID] = *result
	m.history[task.TaskID] = append(m.history[task.TaskID], task.Progress)
	return nil
}

func (m *memStore) GetResult(_ context.Context, taskID string) (*model.AttributionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) UpsertResult(_ context.Context, result *model.AttributionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.TaskID] = *result
	return nil
}

func (m *memStore) GetReport(_ context.Context, taskID string) (*model.AiReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) UpsertReport(_ context.Context, report *model.AiReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.TaskID] = *report
	return nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) task(id string) model.AnalysisTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

// fakeClient answers metric queries from fixed tables keyed by
// "metric|date" for totals and "metric|dimension|date" for breakdowns.
type fakeClient struct {
	mu       sync.Mutex
	totals   map[string][]metricquery.Row
	dims     map[string][]metricquery.Row
	err      error
	panicMsg string
	requests []metricquery.Request
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		totals: make(map[string][]metricquery.Row),
		dims:   make(map[string][]metricquery.Row),
	}
}

func (f *fakeClient) total(metric, date, value string) {
	f.totals[metric+"|"+date] = []metricquery.Row{{metric: json.Number(value)}}
}

func (f *fakeClient) breakdown(metric, dim, date string, values map[string]string) {
	var rows []metricquery.Row
	for k, v := range values {
		rows = append(rows, metricquery.Row{dim: k, metric: json.Number(v)})
	}
	f.dims[metric+"|"+dim+"|"+date] = rows
}

func (f *fakeClient) Query(_ context.Context, req metricquery.Request) ([]metricquery.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	date := req.TimeDimensions[0].DateRange[0]
	if len(req.Dimensions) == 0 {
		return f.totals[req.Metrics[0]+"|"+date], nil
	}
	return f.dims[req.Metrics[0]+"|"+req.Dimensions[0]+"|"+date], nil
}

func (f *fakeClient) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// inlineSubmitter runs jobs on the calling goroutine.
type inlineSubmitter struct {
	err  error
	jobs int
}

func (s *inlineSubmitter) Submit(job worker.Job) error {
	if s.err != nil {
		return s.err
	}
	s.jobs++
	job(context.Background())
	return nil
}

// queueSubmitter holds jobs without running them.
type queueSubmitter struct {
	jobs []worker.Job
}

func (s *queueSubmitter) Submit(job worker.Job) error {
	s.jobs = append(s.jobs, job)
	return nil
}
