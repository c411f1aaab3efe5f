package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bettafish/bettafish/pkg/models"
)

// DefaultRegistryLimit bounds the in-memory task registry.
const DefaultRegistryLimit = 50

// ErrTaskRunning is returned when a new task is requested while another is
// still running.
var ErrTaskRunning = errors.New("a report task is already running")

// Registry holds the most recent report tasks in memory. Tasks are evicted
// oldest-first once the limit is exceeded; running tasks are never evicted.
type Registry struct {
	mu      sync.Mutex
	limit   int
	tasks   map[string]*models.ReportTask
	order   []string
	cancels map[string]context.CancelFunc
}

// NewRegistry creates a Registry. limit <= 0 takes the default.
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultRegistryLimit
	}
	return &Registry{
		limit:   limit,
		tasks:   make(map[string]*models.ReportTask),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Begin registers a new task, enforcing the single-flight rule: at most one
// task may be running at a time.
func (r *Registry) Begin(task *models.ReportTask, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if t := r.tasks[id]; t != nil && t.Status == models.TaskStatusRunning {
			return ErrTaskRunning
		}
	}

	r.tasks[task.TaskID] = task
	r.order = append(r.order, task.TaskID)
	r.cancels[task.TaskID] = cancel
	r.evictLocked()
	return nil
}

// evictLocked drops the oldest non-running tasks above the limit.
func (r *Registry) evictLocked() {
	for len(r.order) > r.limit {
		victim := -1
		for i, id := range r.order {
			if t := r.tasks[id]; t == nil || t.Status != models.TaskStatusRunning {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		id := r.order[victim]
		delete(r.tasks, id)
		delete(r.cancels, id)
		r.order = append(r.order[:victim], r.order[victim+1:]...)
	}
}

// Get returns a copy of the task, or false if unknown (possibly evicted).
func (r *Registry) Get(taskID string) (models.ReportTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return models.ReportTask{}, false
	}
	return *t, true
}

// Update applies fn to the task under the registry lock and stamps UpdatedAt.
func (r *Registry) Update(taskID string, fn func(*models.ReportTask)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return
	}
	fn(t)
	t.UpdatedAt = time.Now()
}

// Running returns a copy of the currently running task, if any.
func (r *Registry) Running() (models.ReportTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if t := r.tasks[id]; t != nil && t.Status == models.TaskStatusRunning {
			return *t, true
		}
	}
	return models.ReportTask{}, false
}

// Cancel invokes the task's cancel func. Returns false if the task is unknown
// or not running.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	cancel := r.cancels[taskID]
	r.mu.Unlock()
	if !ok || t.Status != models.TaskStatusRunning || cancel == nil {
		return false
	}
	cancel()
	return true
}

// Summaries returns compact views of all retained tasks, newest first.
func (r *Registry) Summaries() []models.TaskSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TaskSummary, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if t := r.tasks[r.order[i]]; t != nil {
			out = append(out, t.Summary())
		}
	}
	return out
}
