package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/metric-attribution/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var taskColumnNames = []string{
	"task_id", "tree_id", "tree_name", "list_id", "list_name", "contribution_threshold", "time_granularity",
	"baseline_date", "compare_date", "status", "progress", "message", "creator",
	"create_time", "start_time", "end_time", "update_time",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS t_attribution_tree`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTree(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"tree_id", "tree_name", "metric_id", "metric_name", "version", "tree_config", "global_filter", "create_time", "update_time"}).
		AddRow("tree-1", "GMV tree", "gmv", "GMV", 3, `{"nodeId":"root"}`, "", now, now)
	mock.ExpectQuery(`SELECT tree_id, .* FROM t_attribution_tree WHERE tree_id = \$1`).
		WithArgs("tree-1").
		WillReturnRows(rows)

	tree, err := s.GetTree(context.Background(), "tree-1")
	require.NoError(t, err)
	assert.Equal(t, "GMV tree", tree.TreeName)
	assert.Equal(t, 3, tree.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTree_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM t_attribution_tree WHERE tree_id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTree(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get tree")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTree_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE t_attribution_tree SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateTree(context.Background(), &model.AttributionTree{TreeID: "missing"})
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTask(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(taskColumnNames).
		AddRow("TASK1", "tree-1", "GMV tree", "", "", "0.0500", "DAY", "2024-04-01", "2024-04-02",
			"RUNNING", 30, "metric values loaded", "alice", now, &now, (*time.Time)(nil), now)
	mock.ExpectQuery(`FROM t_analysis_task WHERE task_id = \$1`).
		WithArgs("TASK1").
		WillReturnRows(rows)

	task, err := s.GetTask(context.Background(), "TASK1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, 30, task.Progress)
	assert.True(t, decimal.RequireFromString("0.05").Equal(task.ContributionThreshold))
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTasks_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows(taskColumnNames).
		AddRow("TASK2", "tree-1", "GMV tree", "", "", "0", "DAY", "2024-04-01", "2024-04-02",
			"PENDING", 0, model.WaitingMessage, "alice", now, (*time.Time)(nil), (*time.Time)(nil), now)
	mock.ExpectQuery(`FROM t_analysis_task WHERE tree_name ILIKE \$1 AND creator = \$2 ORDER BY create_time DESC, task_id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("%GMV%", "alice", 20, 40).
		WillReturnRows(rows)

	tasks, err := s.ListTasks(context.Background(), model.TaskFilter{TreeName: "GMV", Creator: "alice", Limit: 20, Offset: 40})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "TASK2", tasks[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountTasks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM t_analysis_task WHERE creator = \$1`).
		WithArgs("bob").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountTasks(context.Background(), model.TaskFilter{Creator: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountTasksByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM t_analysis_task WHERE create_time >= \$1 GROUP BY status`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("SUCCESS", 8).
			AddRow("FAILED", 2))

	counts, err := s.CountTasksByStatus(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 8, counts[model.TaskSuccess])
	assert.Equal(t, 2, counts[model.TaskFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateTaskStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE t_analysis_task SET status = \$1, progress = \$2, update_time = \$3 WHERE task_id = \$4`).
		WithArgs("RUNNING", 5, pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateTaskStatus(context.Background(), "missing", model.TaskRunning, 5)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishTask_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	task := &model.AnalysisTask{TaskID: "TASK1", Status: model.TaskSuccess, Progress: 100, Message: "attribution complete", EndedAt: &now, UpdatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO t_attribution_result .* ON CONFLICT \(task_id\) DO UPDATE`).
		WithArgs("TASK1", "{}", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE t_analysis_task SET status = \$1`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.FinishTask(context.Background(), task, &model.AttributionResult{TaskID: "TASK1", ResultTree: "{}", CreatedAt: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishTask_Rollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO t_attribution_result`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.FinishTask(context.Background(), &model.AnalysisTask{TaskID: "TASK1"},
		&model.AttributionResult{TaskID: "TASK1", ResultTree: "{}", CreatedAt: now})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert result")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT task_id, result_tree, create_time FROM t_attribution_result`).
		WithArgs("TASK1").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetResult(context.Background(), "TASK1")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO t_ai_report .* DO UPDATE SET report_status = EXCLUDED.report_status`).
		WithArgs("TASK1", "COMPLETED", "done", &now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertReport(context.Background(), &model.AiReport{
		TaskID: "TASK1", ReportStatus: model.ReportCompleted, ReportContent: "done", GeneratedAt: &now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
