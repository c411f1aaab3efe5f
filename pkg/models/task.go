// Package models contains shared model types exchanged between the API
// surface, the report pipeline, and the event bus.
package models

import "time"

// TaskStatus represents the lifecycle state of a report task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// ReportTask is the supervisor-side view of a report generation task.
// Tasks live in memory only; the registry retains the most recent N tasks.
type ReportTask struct {
	TaskID    string     `json:"task_id"`
	Query     string     `json:"query"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"` // 0..100
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// Output artifact paths, populated as the pipeline persists them.
	HTMLPath     string `json:"html_path,omitempty"`
	MarkdownPath string `json:"markdown_path,omitempty"`
	IRPath       string `json:"ir_path,omitempty"`
}

// TaskSummary is the compact task representation returned by status endpoints.
type TaskSummary struct {
	TaskID    string     `json:"task_id"`
	Query     string     `json:"query"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summary returns the compact representation of the task.
func (t *ReportTask) Summary() TaskSummary {
	return TaskSummary{
		TaskID:    t.TaskID,
		Query:     t.Query,
		Status:    t.Status,
		Progress:  t.Progress,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
