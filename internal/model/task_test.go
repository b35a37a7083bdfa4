package model

import (
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingTask() *AnalysisTask {
	return &AnalysisTask{TaskID: "TASK1", Status: TaskPending, Message: WaitingMessage}
}

func TestTaskStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskPending, false},
		{TaskRunning, false},
		{TaskSuccess, true},
		{TaskFailed, true},
		{TaskCanceled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestAnalysisTask_HappyPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	task := pendingTask()

	require.NoError(t, task.MarkRunning(5, "tree parsed", now))
	assert.Equal(t, TaskRunning, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, now, *task.StartedAt)

	later := now.Add(time.Minute)
	require.NoError(t, task.MarkRunning(30, "metric values loaded", later))
	assert.Equal(t, now, *task.StartedAt, "start time set once")
	require.NoError(t, task.MarkRunning(30, "same checkpoint", later))

	require.NoError(t, task.MarkSuccess("done", later))
	assert.Equal(t, TaskSuccess, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.EndedAt)
}

func TestAnalysisTask_ProgressNeverDecreases(t *testing.T) {
	t.Parallel()

	task := pendingTask()
	require.NoError(t, task.MarkRunning(60, "computed", time.Now()))

	err := task.MarkRunning(30, "back", time.Now())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrIllegalTransition))
	assert.Equal(t, 60, task.Progress)
}

func TestAnalysisTask_NoTransitionOutOfTerminal(t *testing.T) {
	t.Parallel()

	task := pendingTask()
	require.NoError(t, task.MarkFailed("boom", time.Now()))

	assert.Error(t, task.MarkRunning(5, "again", time.Now()))
	assert.Error(t, task.MarkSuccess("done", time.Now()))
	assert.Error(t, task.MarkFailed("twice", time.Now()))
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "boom", task.Message)
}

func TestAnalysisTask_SuccessRequiresRunning(t *testing.T) {
	t.Parallel()

	err := pendingTask().MarkSuccess("done", time.Now())
	assert.True(t, eris.Is(err, ErrIllegalTransition))
}

func TestAnalysisTask_MarkFailedTruncates(t *testing.T) {
	t.Parallel()

	task := pendingTask()
	require.NoError(t, task.MarkRunning(60, "computed", time.Now()))
	require.NoError(t, task.MarkFailed(strings.Repeat("错", 250), time.Now()))

	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, 0, task.Progress)
	assert.Equal(t, MaxTaskMessageLen, len([]rune(task.Message)))
	assert.NotNil(t, task.EndedAt)
}

func TestTruncateMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", TruncateMessage("short"))
	assert.Len(t, TruncateMessage(strings.Repeat("a", 201)), 200)
}
