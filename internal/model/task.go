package model

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// TaskStatus is the lifecycle state of an analysis task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskCanceled TaskStatus = "CANCELED" // nothing transitions here yet
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCanceled
}

// Granularity is the time grain the metric values are aggregated at.
type Granularity string

const (
	GranularityDay   Granularity = "DAY"
	GranularityWeek  Granularity = "WEEK"
	GranularityMonth Granularity = "MONTH"
	GranularityYear  Granularity = "YEAR"
)

// DateLayout is the wire format of baseline and compare dates.
const DateLayout = "2006-01-02"

// MaxTaskMessageLen bounds the stored failure message, in characters.
const MaxTaskMessageLen = 200

// WaitingMessage is the message of a freshly created task.
const WaitingMessage = "waiting for execution"

// ErrIllegalTransition is returned when a task state change breaks the lifecycle.
var ErrIllegalTransition = eris.New("model: illegal task transition")

// AnalysisTask is one attribution run request and its progress.
type AnalysisTask struct {
	TaskID                string          `json:"taskId"`
	TreeID                string          `json:"treeId"`
	TreeName              string          `json:"treeName"`
	ListID                string          `json:"listId,omitempty"`
	ListName              string          `json:"listName,omitempty"`
	ContributionThreshold decimal.Decimal `json:"contributionThreshold"`
	TimeGranularity       Granularity     `json:"timeGranularity"`
	BaselineDate          string          `json:"baselineDate"`
	CompareDate           string          `json:"compareDate"`
	Status                TaskStatus      `json:"status"`
	Progress              int             `json:"progress"`
	Message               string          `json:"message"`
	Creator               string          `json:"creator"`
	CreatedAt             time.Time       `json:"createTime"`
	StartedAt             *time.Time      `json:"startTime,omitempty"`
	EndedAt               *time.Time      `json:"endTime,omitempty"`
	UpdatedAt             time.Time       `json:"updateTime"`
}

// MarkRunning moves the task to RUNNING at the given progress checkpoint.
func (t *AnalysisTask) MarkRunning(progress int, message string, now time.Time) error {
	if t.Status.Terminal() {
		return eris.Wrapf(ErrIllegalTransition, "task %s is %s", t.TaskID, t.Status)
	}
	if progress < t.Progress || progress > 100 {
		return eris.Wrapf(ErrIllegalTransition, "task %s progress %d -> %d", t.TaskID, t.Progress, progress)
	}
	if t.Status == TaskPending {
		started := now
		t.StartedAt = &started
	}
	t.Status = TaskRunning
	t.Progress = progress
	t.Message = message
	t.UpdatedAt = now
	return nil
}

// MarkSuccess finishes the task.
func (t *AnalysisTask) MarkSuccess(message string, now time.Time) error {
	if t.Status != TaskRunning {
		return eris.Wrapf(ErrIllegalTransition, "task %s cannot succeed from %s", t.TaskID, t.Status)
	}
	ended := now
	t.Status = TaskSuccess
	t.Progress = 100
	t.Message = message
	t.EndedAt = &ended
	t.UpdatedAt = now
	return nil
}

// MarkFailed terminates the task with a truncated failure message.
func (t *AnalysisTask) MarkFailed(message string, now time.Time) error {
	if t.Status.Terminal() {
		return eris.Wrapf(ErrIllegalTransition, "task %s is %s", t.TaskID, t.Status)
	}
	ended := now
	t.Status = TaskFailed
	t.Progress = 0
	t.Message = TruncateMessage(message)
	t.EndedAt = &ended
	t.UpdatedAt = now
	return nil
}

// TruncateMessage cuts s to MaxTaskMessageLen characters.
func TruncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= MaxTaskMessageLen {
		return s
	}
	return string(r[:MaxTaskMessageLen])
}

// TaskFilter selects a page of tasks.
type TaskFilter struct {
	TreeName string
	Creator  string
	Since    time.Time
	Offset   int
	Limit    int
}
