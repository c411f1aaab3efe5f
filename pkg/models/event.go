package models

import "time"

// Event is a single entry in a task's event history. IDs are assigned
// monotonically per task; subscribers observe strictly increasing IDs.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Pipeline event types emitted on the task channel.
const (
	EventAgentStart       = "agent_start"
	EventTemplateSelected = "template_selected"
	EventTemplateSliced   = "template_sliced"
	EventLayoutDesigned   = "layout_designed"
	EventWordPlanReady    = "word_plan_ready"
	EventStorageReady     = "storage_ready"
	EventChapterStatus    = "chapter_status"
	EventChapterChunk     = "chapter_chunk"
	EventChaptersCompiled = "chapters_compiled"
	EventHTMLRendered     = "html_rendered"
	EventReportSaved      = "report_saved"
	EventMetrics          = "metrics"
	EventError            = "error"
	EventTaskCompleted    = "task_completed"
)
