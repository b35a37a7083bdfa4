package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/metric-attribution/internal/db"
	"github.com/sells-group/metric-attribution/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	treeColumns = `tree_id, tree_name, metric_id, metric_name, version, tree_config, global_filter, create_time, update_time`

	taskColumns = `task_id, tree_id, tree_name, list_id, list_name, contribution_threshold::text, time_granularity,
	baseline_date, compare_date, status, progress, message, creator, create_time, start_time, end_time, update_time`

	sqlGetTree = `SELECT ` + treeColumns + ` FROM t_attribution_tree WHERE tree_id = $1`

	sqlInsertTree = `INSERT INTO t_attribution_tree (tree_id, tree_name, metric_id, metric_name, version, tree_config, global_filter, create_time, update_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	sqlUpdateTree = `UPDATE t_attribution_tree SET tree_name = $1, metric_id = $2, metric_name = $3, version = $4,
	tree_config = $5, global_filter = $6, update_time = $7 WHERE tree_id = $8`

	sqlGetTask = `SELECT ` + taskColumns + ` FROM t_analysis_task WHERE task_id = $1`

	sqlInsertTask = `INSERT INTO t_analysis_task (task_id, tree_id, tree_name, list_id, list_name, contribution_threshold,
	time_granularity, baseline_date, compare_date, status, progress, message, creator, create_time, start_time, end_time, update_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	sqlUpdateTask = `UPDATE t_analysis_task SET status = $1, progress = $2, message = $3, start_time = $4, end_time = $5,
	update_time = $6 WHERE task_id = $7`

	sqlUpdateTaskStatus = `UPDATE t_analysis_task SET status = $1, progress = $2, update_time = $3 WHERE task_id = $4`

	sqlGetResult = `SELECT task_id, result_tree, create_time FROM t_attribution_result WHERE task_id = $1`

	sqlGetReport = `SELECT task_id, report_status, report_content, generate_time, create_time FROM t_ai_report WHERE task_id = $1`
)

var (
	sqlUpsertResult = db.UpsertSQL(db.UpsertConfig{
		Table:        "t_attribution_result",
		Columns:      []string{"task_id", "result_tree", "create_time"},
		ConflictKeys: []string{"task_id"},
	})

	sqlUpsertReport = db.UpsertSQL(db.UpsertConfig{
		Table:        "t_ai_report",
		Columns:      []string{"task_id", "report_status", "report_content", "generate_time", "create_time"},
		ConflictKeys: []string{"task_id"},
		UpdateCols:   []string{"report_status", "report_content", "generate_time"},
	})
)

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"get_tree":           sqlGetTree,
	"get_task":           sqlGetTask,
	"update_task":        sqlUpdateTask,
	"update_task_status": sqlUpdateTaskStatus,
	"get_result":         sqlGetResult,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS t_attribution_tree (
	tree_id       TEXT PRIMARY KEY,
	tree_name     TEXT NOT NULL,
	metric_id     TEXT NOT NULL,
	metric_name   TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	tree_config   TEXT NOT NULL,
	global_filter TEXT NOT NULL DEFAULT '',
	create_time   TIMESTAMPTZ NOT NULL DEFAULT now(),
	update_time   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attribution_tree_name ON t_attribution_tree(tree_name);
CREATE INDEX IF NOT EXISTS idx_attribution_tree_metric_name ON t_attribution_tree(metric_name);

CREATE TABLE IF NOT EXISTS t_analysis_task (
	task_id                TEXT PRIMARY KEY,
	tree_id                TEXT NOT NULL,
	tree_name              TEXT NOT NULL DEFAULT '',
	list_id                TEXT NOT NULL DEFAULT '',
	list_name              TEXT NOT NULL DEFAULT '',
	contribution_threshold NUMERIC(10, 4) NOT NULL DEFAULT 0,
	time_granularity       VARCHAR(8) NOT NULL,
	baseline_date          VARCHAR(10) NOT NULL,
	compare_date           VARCHAR(10) NOT NULL,
	status                 VARCHAR(16) NOT NULL DEFAULT 'PENDING',
	progress               INTEGER NOT NULL DEFAULT 0,
	message                VARCHAR(200) NOT NULL DEFAULT '',
	creator                TEXT NOT NULL DEFAULT 'system',
	create_time            TIMESTAMPTZ NOT NULL DEFAULT now(),
	start_time             TIMESTAMPTZ,
	end_time               TIMESTAMPTZ,
	update_time            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_task_status ON t_analysis_task(status);
CREATE INDEX IF NOT EXISTS idx_analysis_task_create_time ON t_analysis_task(create_time DESC);
CREATE INDEX IF NOT EXISTS idx_analysis_task_creator ON t_analysis_task(creator);

CREATE TABLE IF NOT EXISTS t_attribution_result (
	task_id     TEXT PRIMARY KEY REFERENCES t_analysis_task(task_id),
	result_tree TEXT NOT NULL,
	create_time TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS t_ai_report (
	task_id        TEXT PRIMARY KEY REFERENCES t_analysis_task(task_id),
	report_status  VARCHAR(16) NOT NULL,
	report_content TEXT NOT NULL DEFAULT '',
	generate_time  TIMESTAMPTZ,
	create_time    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Trees ---

func (s *PostgresStore) GetTree(ctx context.Context, treeID string) (*model.AttributionTree, error) {
	t, err := scanTree(s.pool.QueryRow(ctx, sqlGetTree, treeID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get tree %s", treeID)
	}
	return t, nil
}

func (s *PostgresStore) SearchTreesByName(ctx context.Context, name string, limit int) ([]model.AttributionTree, error) {
	return s.queryTrees(ctx,
		`SELECT `+treeColumns+` FROM t_attribution_tree WHERE tree_name ILIKE $1 ORDER BY update_time DESC, tree_id LIMIT $2`,
		likePattern(name), limit)
}

func (s *PostgresStore) ListTrees(ctx context.Context, limit int) ([]model.AttributionTree, error) {
	return s.queryTrees(ctx,
		`SELECT `+treeColumns+` FROM t_attribution_tree ORDER BY update_time DESC, tree_id LIMIT $1`,
		limit)
}

func (s *PostgresStore) queryTrees(ctx context.Context, query string, args ...any) ([]model.AttributionTree, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query trees")
	}
	defer rows.Close()

	var trees []model.AttributionTree
	for rows.Next() {
		t, err := scanTree(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan tree")
		}
		trees = append(trees, *t)
	}
	return trees, eris.Wrap(rows.Err(), "postgres: iterate trees")
}

func (s *PostgresStore) SearchTreesByMetricName(ctx context.Context, name string, limit int) ([]model.MetricSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT metric_id, metric_name, tree_id, tree_name FROM t_attribution_tree WHERE metric_name ILIKE $1 ORDER BY metric_id, tree_id LIMIT $2`,
		likePattern(name), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search metrics")
	}
	defer rows.Close()

	var out []model.MetricSummary
	for rows.Next() {
		var m model.MetricSummary
		if err := rows.Scan(&m.MetricID, &m.MetricName, &m.TreeID, &m.TreeName); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate metrics")
}

func (s *PostgresStore) InsertTree(ctx context.Context, tree *model.AttributionTree) error {
	_, err := s.pool.Exec(ctx, sqlInsertTree,
		tree.TreeID, tree.TreeName, tree.MetricID, tree.MetricName, tree.Version,
		tree.TreeConfig, tree.GlobalFilter, tree.CreatedAt, tree.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert tree %s", tree.TreeID)
}

func (s *PostgresStore) UpdateTree(ctx context.Context, tree *model.AttributionTree) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateTree,
		tree.TreeName, tree.MetricID, tree.MetricName, tree.Version,
		tree.TreeConfig, tree.GlobalFilter, tree.UpdatedAt, tree.TreeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update tree %s", tree.TreeID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update tree %s", tree.TreeID)
	}
	return nil
}

// --- Tasks ---

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.AnalysisTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, sqlGetTask, taskID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", taskID)
	}
	return t, nil
}

// taskWhere renders the filter as a WHERE clause with $n placeholders
// starting at $1.
func taskWhere(f model.TaskFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TreeName != "" {
		add("tree_name ILIKE $%d", likePattern(f.TreeName))
	}
	if f.Creator != "" {
		add("creator = $%d", f.Creator)
	}
	if !f.Since.IsZero() {
		add("create_time >= $%d", f.Since)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.AnalysisTask, error) {
	where, args := taskWhere(filter)
	query := `SELECT ` + taskColumns + ` FROM t_analysis_task` + where + ` ORDER BY create_time DESC, task_id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.AnalysisTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func (s *PostgresStore) CountTasks(ctx context.Context, filter model.TaskFilter) (int, error) {
	where, args := taskWhere(filter)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM t_analysis_task`+where, args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count tasks")
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM t_analysis_task WHERE create_time >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count tasks by status")
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate status counts")
}

func (s *PostgresStore) InsertTask(ctx context.Context, task *model.AnalysisTask) error {
	_, err := s.pool.Exec(ctx, sqlInsertTask,
		task.TaskID, task.TreeID, task.TreeName, task.ListID, task.ListName,
		task.ContributionThreshold.String(), string(task.TimeGranularity),
		task.BaselineDate, task.CompareDate, string(task.Status), task.Progress, task.Message,
		task.Creator, task.CreatedAt, task.StartedAt, task.EndedAt, task.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert task %s", task.TaskID)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *model.AnalysisTask) error {
	return updateTask(ctx, s.pool, task)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func updateTask(ctx context.Context, ex execer, task *model.AnalysisTask) error {
	tag, err := ex.Exec(ctx, sqlUpdateTask,
		string(task.Status), task.Progress, task.Message, task.StartedAt, task.EndedAt, task.UpdatedAt, task.TaskID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", task.TaskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update task %s", task.TaskID)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, progress int) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateTaskStatus, string(status), progress, time.Now().UTC(), taskID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task status %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update task status %s", taskID)
	}
	return nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, task *model.AnalysisTask, result *model.AttributionResult) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlUpsertResult, result.TaskID, result.ResultTree, result.CreatedAt); err != nil {
			return eris.Wrapf(err, "postgres: upsert result %s", result.TaskID)
		}
		return updateTask(ctx, tx, task)
	})
}

// --- Results ---

func (s *PostgresStore) GetResult(ctx context.Context, taskID string) (*model.AttributionResult, error) {
	var r model.AttributionResult
	err := s.pool.QueryRow(ctx, sqlGetResult, taskID).Scan(&r.TaskID, &r.ResultTree, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get result %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", taskID)
	}
	return &r, nil
}

func (s *PostgresStore) UpsertResult(ctx context.Context, result *model.AttributionResult) error {
	_, err := s.pool.Exec(ctx, sqlUpsertResult, result.TaskID, result.ResultTree, result.CreatedAt)
	return eris.Wrapf(err, "postgres: upsert result %s", result.TaskID)
}

// --- Reports ---

func (s *PostgresStore) GetReport(ctx context.Context, taskID string) (*model.AiReport, error) {
	var r model.AiReport
	var status string
	err := s.pool.QueryRow(ctx, sqlGetReport, taskID).Scan(&r.TaskID, &status, &r.ReportContent, &r.GeneratedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get report %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report %s", taskID)
	}
	r.ReportStatus = model.ReportStatus(status)
	return &r, nil
}

func (s *PostgresStore) UpsertReport(ctx context.Context, report *model.AiReport) error {
	_, err := s.pool.Exec(ctx, sqlUpsertReport,
		report.TaskID, string(report.ReportStatus), report.ReportContent, report.GeneratedAt, report.CreatedAt)
	return eris.Wrapf(err, "postgres: upsert report %s", report.TaskID)
}

// --- Scanning ---

func scanTree(row pgx.Row) (*model.AttributionTree, error) {
	var t model.AttributionTree
	err := row.Scan(&t.TreeID, &t.TreeName, &t.MetricID, &t.MetricName, &t.Version,
		&t.TreeConfig, &t.GlobalFilter, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTask(row pgx.Row) (*model.AnalysisTask, error) {
	var t model.AnalysisTask
	var threshold, granularity, status string
	err := row.Scan(&t.TaskID, &t.TreeID, &t.TreeName, &t.ListID, &t.ListName, &threshold, &granularity,
		&t.BaselineDate, &t.CompareDate, &status, &t.Progress, &t.Message, &t.Creator,
		&t.CreatedAt, &t.StartedAt, &t.EndedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return &t, nil
}
