package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/metric-attribution/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS t_attribution_tree (
	tree_id       TEXT PRIMARY KEY,
	tree_name     TEXT NOT NULL,
	metric_id     TEXT NOT NULL,
	metric_name   TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	tree_config   TEXT NOT NULL,
	global_filter TEXT NOT NULL DEFAULT '',
	create_time   DATETIME NOT NULL,
	update_time   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS t_analysis_task (
	task_id                TEXT PRIMARY KEY,
	tree_id                TEXT NOT NULL,
	tree_name              TEXT NOT NULL DEFAULT '',
	list_id                TEXT NOT NULL DEFAULT '',
	list_name              TEXT NOT NULL DEFAULT '',
	contribution_threshold TEXT NOT NULL DEFAULT '0',
	time_granularity       TEXT NOT NULL,
	baseline_date          TEXT NOT NULL,
	compare_date           TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'PENDING',
	progress               INTEGER NOT NULL DEFAULT 0,
	message                TEXT NOT NULL DEFAULT '',
	creator                TEXT NOT NULL DEFAULT 'system',
	create_time            DATETIME NOT NULL,
	start_time             DATETIME,
	end_time               DATETIME,
	update_time            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_task_status ON t_analysis_task(status);
CREATE INDEX IF NOT EXISTS idx_analysis_task_create_time ON t_analysis_task(create_time);

CREATE TABLE IF NOT EXISTS t_attribution_result (
	task_id     TEXT PRIMARY KEY REFERENCES t_analysis_task(task_id),
	result_tree TEXT NOT NULL,
	create_time DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS t_ai_report (
	task_id        TEXT PRIMARY KEY REFERENCES t_analysis_task(task_id),
	report_status  TEXT NOT NULL,
	report_content TEXT NOT NULL DEFAULT '',
	generate_time  DATETIME,
	create_time    DATETIME NOT NULL
);
`

const (
	sqliteTreeSelect = `SELECT tree_id, tree_name, metric_id, metric_name, version, tree_config, global_filter, create_time, update_time FROM t_attribution_tree`

	sqliteTaskSelect = `SELECT task_id, tree_id, tree_name, list_id, list_name, contribution_threshold, time_granularity,
	baseline_date, compare_date, status, progress, message, creator, create_time, start_time, end_time, update_time FROM t_analysis_task`

	sqliteUpsertResult = `INSERT INTO t_attribution_result (task_id, result_tree, create_time) VALUES (?, ?, ?)
	ON CONFLICT (task_id) DO UPDATE SET result_tree = excluded.result_tree, create_time = excluded.create_time`

	sqliteUpdateTask = `UPDATE t_analysis_task SET status = ?, progress = ?, message = ?, start_time = ?, end_time = ?, update_time = ? WHERE task_id = ?`
)

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Trees ---

func (s *SQLiteStore) GetTree(ctx context.Context, treeID string) (*model.AttributionTree, error) {
	t, err := scanSQLiteTree(s.db.QueryRowContext(ctx, sqliteTreeSelect+` WHERE tree_id = ?`, treeID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tree %s", treeID)
	}
	return t, nil
}

func (s *SQLiteStore) SearchTreesByName(ctx context.Context, name string, limit int) ([]model.AttributionTree, error) {
	return s.queryTrees(ctx, sqliteTreeSelect+` WHERE tree_name LIKE ? ORDER BY update_time DESC, tree_id LIMIT ?`,
		likePattern(name), limit)
}

func (s *SQLiteStore) ListTrees(ctx context.Context, limit int) ([]model.AttributionTree, error) {
	return s.queryTrees(ctx, sqliteTreeSelect+` ORDER BY update_time DESC, tree_id LIMIT ?`, limit)
}

func (s *SQLiteStore) queryTrees(ctx context.Context, query string, args ...any) ([]model.AttributionTree, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query trees")
	}
	defer rows.Close() //nolint:errcheck

	var trees []model.AttributionTree
	for rows.Next() {
		t, err := scanSQLiteTree(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tree")
		}
		trees = append(trees, *t)
	}
	return trees, eris.Wrap(rows.Err(), "sqlite: iterate trees")
}

func (s *SQLiteStore) SearchTreesByMetricName(ctx context.Context, name string, limit int) ([]model.MetricSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric_id, metric_name, tree_id, tree_name FROM t_attribution_tree WHERE metric_name LIKE ? ORDER BY metric_id, tree_id LIMIT ?`,
		likePattern(name), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search metrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MetricSummary
	for rows.Next() {
		var m model.MetricSummary
		if err := rows.Scan(&m.MetricID, &m.MetricName, &m.TreeID, &m.TreeName); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate metrics")
}

func (s *SQLiteStore) InsertTree(ctx context.Context, tree *model.AttributionTree) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO t_attribution_tree (tree_id, tree_name, metric_id, metric_name, version, tree_config, global_filter, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tree.TreeID, tree.TreeName, tree.MetricID, tree.MetricName, tree.Version,
		tree.TreeConfig, tree.GlobalFilter, tree.CreatedAt.UTC(), tree.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert tree %s", tree.TreeID)
}

func (s *SQLiteStore) UpdateTree(ctx context.Context, tree *model.AttributionTree) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_attribution_tree SET tree_name = ?, metric_id = ?, metric_name = ?, version = ?, tree_config = ?,
		global_filter = ?, update_time = ? WHERE tree_id = ?`,
		tree.TreeName, tree.MetricID, tree.MetricName, tree.Version, tree.TreeConfig,
		tree.GlobalFilter, tree.UpdatedAt.UTC(), tree.TreeID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update tree %s", tree.TreeID)
	}
	return checkRowsAffected(res, "tree", tree.TreeID)
}

// --- Tasks ---

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.AnalysisTask, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, sqliteTaskSelect+` WHERE task_id = ?`, taskID))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", taskID)
	}
	return t, nil
}

func sqliteTaskWhere(f model.TaskFilter) (string, []any) {
	var conds []string
	var args []any
	if f.TreeName != "" {
		conds = append(conds, "tree_name LIKE ?")
		args = append(args, likePattern(f.TreeName))
	}
	if f.Creator != "" {
		conds = append(conds, "creator = ?")
		args = append(args, f.Creator)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "create_time >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.AnalysisTask, error) {
	where, args := sqliteTaskWhere(filter)
	query := sqliteTaskSelect + where + ` ORDER BY create_time DESC, task_id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	var tasks []model.AnalysisTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) CountTasks(ctx context.Context, filter model.TaskFilter) (int, error) {
	where, args := sqliteTaskWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t_analysis_task`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count tasks")
}

func (s *SQLiteStore) CountTasksByStatus(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM t_analysis_task WHERE create_time >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count tasks by status")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate status counts")
}

func (s *SQLiteStore) InsertTask(ctx context.Context, task *model.AnalysisTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO t_analysis_task (task_id, tree_id, tree_name, list_id, list_name, contribution_threshold,
		time_granularity, baseline_date, compare_date, status, progress, message, creator, create_time, start_time, end_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.TreeID, task.TreeName, task.ListID, task.ListName, task.ContributionThreshold.String(),
		string(task.TimeGranularity), task.BaselineDate, task.CompareDate, string(task.Status), task.Progress,
		task.Message, task.Creator, task.CreatedAt.UTC(), nullTime(task.StartedAt), nullTime(task.EndedAt), task.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert task %s", task.TaskID)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.AnalysisTask) error {
	res, err := s.db.ExecContext(ctx, sqliteUpdateTask, taskUpdateArgs(task)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", task.TaskID)
	}
	return checkRowsAffected(res, "task", task.TaskID)
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE t_analysis_task SET status = ?, progress = ?, update_time = ? WHERE task_id = ?`,
		string(status), progress, time.Now().UTC(), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task status %s", taskID)
	}
	return checkRowsAffected(res, "task", taskID)
}

func (s *SQLiteStore) FinishTask(ctx context.Context, task *model.AnalysisTask, result *model.AttributionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, sqliteUpsertResult, result.TaskID, result.ResultTree, result.CreatedAt.UTC()); err != nil {
		return eris.Wrapf(err, "sqlite: upsert result %s", result.TaskID)
	}
	res, err := tx.ExecContext(ctx, sqliteUpdateTask, taskUpdateArgs(task)...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", task.TaskID)
	}
	if err := checkRowsAffected(res, "task", task.TaskID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func taskUpdateArgs(task *model.AnalysisTask) []any {
	return []any{
		string(task.Status), task.Progress, task.Message,
		nullTime(task.StartedAt), nullTime(task.EndedAt), task.UpdatedAt.UTC(), task.TaskID,
	}
}

// --- Results ---

func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*model.AttributionResult, error) {
	var r model.AttributionResult
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, result_tree, create_time FROM t_attribution_result WHERE task_id = ?`, taskID,
	).Scan(&r.TaskID, &r.ResultTree, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get result %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", taskID)
	}
	return &r, nil
}

func (s *SQLiteStore) UpsertResult(ctx context.Context, result *model.AttributionResult) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsertResult, result.TaskID, result.ResultTree, result.CreatedAt.UTC())
	return eris.Wrapf(err, "sqlite: upsert result %s", result.TaskID)
}

// --- Reports ---

func (s *SQLiteStore) GetReport(ctx context.Context, taskID string) (*model.AiReport, error) {
	var r model.AiReport
	var status string
	var generated sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, report_status, report_content, generate_time, create_time FROM t_ai_report WHERE task_id = ?`, taskID,
	).Scan(&r.TaskID, &status, &r.ReportContent, &generated, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get report %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", taskID)
	}
	r.ReportStatus = model.ReportStatus(status)
	r.GeneratedAt = timePtr(generated)
	return &r, nil
}

func (s *SQLiteStore) UpsertReport(ctx context.Context, report *model.AiReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO t_ai_report (task_id, report_status, report_content, generate_time, create_time) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET report_status = excluded.report_status,
		report_content = excluded.report_content, generate_time = excluded.generate_time`,
		report.TaskID, string(report.ReportStatus), report.ReportContent, nullTime(report.GeneratedAt), report.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert report %s", report.TaskID)
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteTree(row scannable) (*model.AttributionTree, error) {
	var t model.AttributionTree
	err := row.Scan(&t.TreeID, &t.TreeName, &t.MetricID, &t.MetricName, &t.Version,
		&t.TreeConfig, &t.GlobalFilter, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanSQLiteTask(row scannable) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var threshold, granularity, status string
	var started, ended sql.NullTime
	err := row.Scan(&t.TaskID, &t.TreeID, &t.TreeName, &t.ListID, &t.ListName, &threshold, &granularity,
		&t.BaselineDate, &t.CompareDate, &status, &t.Progress, &t.Message, &t.Creator,
		&t.CreatedAt, &started, &ended, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ContributionThreshold, err = decimal.NewFromString(threshold)
	if err != nil {
		return nil, eris.Wrapf(err, "parse contribution threshold of %s", t.TaskID)
	}
	t.TimeGranularity = model.Granularity(granularity)
	t.Status = model.TaskStatus(status)
	t.StartedAt = timePtr(started)
	t.EndedAt = timePtr(ended)
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
