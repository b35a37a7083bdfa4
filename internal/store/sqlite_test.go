package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metric-attribution/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var baseTime = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func sampleTree(id, name, metricName string) *model.AttributionTree {
	return &model.AttributionTree{
		TreeID:     id,
		TreeName:   name,
		MetricID:   "gmv",
		MetricName: metricName,
		Version:    1,
		TreeConfig: `{"nodeId":"root","metricId":"gmv"}`,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
	}
}

func sampleTask(id string, created time.Time) *model.AnalysisTask {
	return &model.AnalysisTask{
		TaskID:                id,
		TreeID:                "tree-1",
		TreeName:              "GMV tree",
		ContributionThreshold: decimal.RequireFromString("0.05"),
		TimeGranularity:       model.GranularityDay,
		BaselineDate:          "2024-04-01",
		CompareDate:           "2024-04-02",
		Status:                model.TaskPending,
		Message:               model.WaitingMessage,
		Creator:               "alice",
		CreatedAt:             created,
		UpdatedAt:             created,
	}
}

// --- Trees ---

func TestSQLite_Tree_InsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tree := sampleTree("tree-1", "GMV tree", "Gross merchandise value")
	tree.GlobalFilter = `{"nodeType":"FIELD","field":"channel","op":"EQ","value":"app"}`
	require.NoError(t, st.InsertTree(ctx, tree))

	got, err := st.GetTree(ctx, "tree-1")
	require.NoError(t, err)
	assert.Equal(t, "GMV tree", got.TreeName)
	assert.Equal(t, tree.TreeConfig, got.TreeConfig)
	assert.Equal(t, tree.GlobalFilter, got.GlobalFilter)
	assert.Equal(t, 1, got.Version)
	assert.True(t, baseTime.Equal(got.CreatedAt))
}

func TestSQLite_Tree_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetTree(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Tree_Update(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tree := sampleTree("tree-1", "GMV tree", "GMV")
	require.NoError(t, st.InsertTree(ctx, tree))

	tree.Version = 2
	tree.TreeName = "GMV tree v2"
	tree.UpdatedAt = baseTime.Add(time.Hour)
	require.NoError(t, st.UpdateTree(ctx, tree))

	got, err := st.GetTree(ctx, "tree-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "GMV tree v2", got.TreeName)

	err = st.UpdateTree(ctx, sampleTree("missing", "x", "x"))
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Tree_Search(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTree(ctx, sampleTree("t1", "Order GMV", "GMV")))
	require.NoError(t, st.InsertTree(ctx, sampleTree("t2", "Order count", "Orders")))
	t3 := sampleTree("t3", "Refund rate", "Refund")
	t3.MetricID = "refund"
	require.NoError(t, st.InsertTree(ctx, t3))

	trees, err := st.SearchTreesByName(ctx, "Order", 10)
	require.NoError(t, err)
	assert.Len(t, trees, 2)

	trees, err = st.SearchTreesByName(ctx, "Order", 1)
	require.NoError(t, err)
	assert.Len(t, trees, 1)

	all, err := st.ListTrees(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	metrics, err := st.SearchTreesByMetricName(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, metrics, 3)

	metrics, err = st.SearchTreesByMetricName(ctx, "Ref", 10)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, model.MetricSummary{MetricID: "refund", MetricName: "Refund", TreeID: "t3", TreeName: "Refund rate"}, metrics[0])
}

// --- Tasks ---

func TestSQLite_Task_InsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := sampleTask("TASK1", baseTime)
	require.NoError(t, st.InsertTask(ctx, task))

	got, err := st.GetTask(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, model.WaitingMessage, got.Message)
	assert.True(t, decimal.RequireFromString("0.05").Equal(got.ContributionThreshold))
	assert.Equal(t, model.GranularityDay, got.TimeGranularity)
	assert.Equal(t, "2024-04-01", got.BaselineDate)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)

	_, err = st.GetTask(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Task_UpdateLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := sampleTask("TASK1", baseTime)
	require.NoError(t, st.InsertTask(ctx, task))

	require.NoError(t, task.MarkRunning(30, "metric values loaded", baseTime.Add(time.Second)))
	require.NoError(t, st.UpdateTask(ctx, task))

	got, err := st.GetTask(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
	assert.Equal(t, 30, got.Progress)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(baseTime.Add(time.Second)))

	require.NoError(t, st.UpdateTaskStatus(ctx, "TASK1", model.TaskRunning, 60))
	got, err = st.GetTask(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)

	assert.True(t, eris.Is(st.UpdateTaskStatus(ctx, "missing", model.TaskRunning, 5), ErrNotFound))
	assert.True(t, eris.Is(st.UpdateTask(ctx, sampleTask("missing", baseTime)), ErrNotFound))
}

func TestSQLite_Task_ListAndCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := sampleTask(fmt.Sprintf("TASK%d", i), baseTime.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			task.Creator = "bob"
		}
		require.NoError(t, st.InsertTask(ctx, task))
	}

	tasks, err := st.ListTasks(ctx, model.TaskFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "TASK4", tasks[0].TaskID, "newest first")
	assert.Equal(t, "TASK3", tasks[1].TaskID)

	tasks, err = st.ListTasks(ctx, model.TaskFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "TASK0", tasks[0].TaskID)

	tasks, err = st.ListTasks(ctx, model.TaskFilter{Creator: "bob", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	n, err := st.CountTasks(ctx, model.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = st.CountTasks(ctx, model.TaskFilter{TreeName: "GMV", Creator: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.CountTasks(ctx, model.TaskFilter{TreeName: "nothing"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_CountTasksByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := sampleTask("OLD", baseTime.Add(-48*time.Hour))
	old.Status = model.TaskFailed
	require.NoError(t, st.InsertTask(ctx, old))

	for i, status := range []model.TaskStatus{model.TaskSuccess, model.TaskSuccess, model.TaskFailed, model.TaskRunning} {
		task := sampleTask(fmt.Sprintf("T%d", i), baseTime.Add(time.Duration(i)*time.Minute))
		task.Status = status
		require.NoError(t, st.InsertTask(ctx, task))
	}

	counts, err := st.CountTasksByStatus(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[model.TaskStatus]int{
		model.TaskSuccess: 2,
		model.TaskFailed:  1,
		model.TaskRunning: 1,
	}, counts)
}

// --- Results ---

func TestSQLite_FinishTask(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	task := sampleTask("TASK1", baseTime)
	require.NoError(t, st.InsertTask(ctx, task))
	require.NoError(t, task.MarkRunning(90, "contributions assembled", baseTime))
	require.NoError(t, task.MarkSuccess("attribution complete", baseTime.Add(time.Minute)))

	result := &model.AttributionResult{TaskID: "TASK1", ResultTree: `{"nodeId":"root"}`, CreatedAt: baseTime}
	require.NoError(t, st.FinishTask(ctx, task, result))

	got, err := st.GetTask(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.EndedAt)

	res, err := st.GetResult(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, `{"nodeId":"root"}`, res.ResultTree)
}

func TestSQLite_FinishTask_RollsBackOnMissingTask(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Satisfy the foreign key so only the task update fails.
	require.NoError(t, st.InsertTask(ctx, sampleTask("OTHER", baseTime)))

	err := st.FinishTask(ctx, sampleTask("MISSING", baseTime), &model.AttributionResult{TaskID: "OTHER", ResultTree: "{}", CreatedAt: baseTime})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))

	_, err = st.GetResult(ctx, "OTHER")
	assert.True(t, eris.Is(err, ErrNotFound), "result insert rolled back")
}

func TestSQLite_UpsertResult_Overwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTask(ctx, sampleTask("TASK1", baseTime)))
	require.NoError(t, st.UpsertResult(ctx, &model.AttributionResult{TaskID: "TASK1", ResultTree: "first", CreatedAt: baseTime}))
	require.NoError(t, st.UpsertResult(ctx, &model.AttributionResult{TaskID: "TASK1", ResultTree: "second", CreatedAt: baseTime}))

	res, err := st.GetResult(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, "second", res.ResultTree)

	_, err = st.GetResult(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}

// --- Reports ---

func TestSQLite_Report_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertTask(ctx, sampleTask("TASK1", baseTime)))

	report := &model.AiReport{TaskID: "TASK1", ReportStatus: model.ReportGenerating, CreatedAt: baseTime}
	require.NoError(t, st.UpsertReport(ctx, report))

	got, err := st.GetReport(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportGenerating, got.ReportStatus)
	assert.Nil(t, got.GeneratedAt)

	done := baseTime.Add(time.Minute)
	report.ReportStatus = model.ReportCompleted
	report.ReportContent = "GMV fell mostly because of region north."
	report.GeneratedAt = &done
	require.NoError(t, st.UpsertReport(ctx, report))

	got, err = st.GetReport(ctx, "TASK1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportCompleted, got.ReportStatus)
	assert.Equal(t, report.ReportContent, got.ReportContent)
	require.NotNil(t, got.GeneratedAt)
	assert.True(t, done.Equal(*got.GeneratedAt))

	_, err = st.GetReport(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}
