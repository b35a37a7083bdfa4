package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertSQL(t *testing.T) {
	t.Parallel()

	got := UpsertSQL(UpsertConfig{
		Table:        "t_attribution_result",
		Columns:      []string{"task_id", "result_tree", "create_time"},
		ConflictKeys: []string{"task_id"},
	})
	assert.Equal(t,
		"INSERT INTO t_attribution_result (task_id, result_tree, create_time) VALUES ($1, $2, $3) "+
			"ON CONFLICT (task_id) DO UPDATE SET result_tree = EXCLUDED.result_tree, create_time = EXCLUDED.create_time",
		got)
}

func TestUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	t.Parallel()

	got := UpsertSQL(UpsertConfig{
		Table:        "t",
		Columns:      []string{"id", "a", "b"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"b"},
	})
	assert.Contains(t, got, "DO UPDATE SET b = EXCLUDED.b")
	assert.NotContains(t, got, "a = EXCLUDED.a")
}

func TestUpsertSQL_OnlyKeys(t *testing.T) {
	t.Parallel()

	got := UpsertSQL(UpsertConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}})
	assert.Contains(t, got, "ON CONFLICT (id) DO NOTHING")
}

func TestInTx_Commit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err = InTx(context.Background(), mock, func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), "UPDATE t SET a = 1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollbackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = InTx(context.Background(), mock, func(tx pgx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
