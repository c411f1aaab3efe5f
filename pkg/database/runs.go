package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bettafish/bettafish/pkg/models"
)

// ErrRunNotFound is returned when a task ID has no persisted run.
var ErrRunNotFound = errors.New("report run not found")

// ForumEntry is a persisted forum log line.
type ForumEntry struct {
	ID       int64     `json:"id"`
	TaskID   string    `json:"task_id,omitempty"`
	Tag      string    `json:"tag"`
	Content  string    `json:"content"`
	LoggedAt time.Time `json:"logged_at"`
}

// SaveRun inserts or updates the run record for a task.
func (c *Client) SaveRun(ctx context.Context, task *models.ReportTask) error {
	const query = `
		INSERT INTO report_runs
			(task_id, query, status, progress, error, html_path, markdown_path, ir_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			error = EXCLUDED.error,
			html_path = EXCLUDED.html_path,
			markdown_path = EXCLUDED.markdown_path,
			ir_path = EXCLUDED.ir_path,
			updated_at = EXCLUDED.updated_at`
	_, err := c.db.ExecContext(ctx, query,
		task.TaskID, task.Query, string(task.Status), task.Progress, task.Error,
		task.HTMLPath, task.MarkdownPath, task.IRPath,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", task.TaskID, err)
	}
	return nil
}

// GetRun returns the persisted run for a task ID.
func (c *Client) GetRun(ctx context.Context, taskID string) (*models.ReportTask, error) {
	const query = `
		SELECT task_id, query, status, progress, error, html_path, markdown_path, ir_path, created_at, updated_at
		FROM report_runs WHERE task_id = $1`
	task, err := scanRun(c.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", taskID, err)
	}
	return task, nil
}

// ListRuns returns the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]*models.ReportTask, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT task_id, query, status, progress, error, html_path, markdown_path, ir_path, created_at, updated_at
		FROM report_runs ORDER BY created_at DESC LIMIT $1`
	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ReportTask
	for rows.Next() {
		task, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, task)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.ReportTask, error) {
	var task models.ReportTask
	var status string
	err := row.Scan(
		&task.TaskID, &task.Query, &status, &task.Progress, &task.Error,
		&task.HTMLPath, &task.MarkdownPath, &task.IRPath,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	return &task, nil
}

// SaveForumEntry appends a forum log line to the history table.
func (c *Client) SaveForumEntry(ctx context.Context, entry ForumEntry) error {
	const query = `
		INSERT INTO forum_entries (task_id, tag, content, logged_at)
		VALUES ($1, $2, $3, $4)`
	loggedAt := entry.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, query, entry.TaskID, entry.Tag, entry.Content, loggedAt)
	if err != nil {
		return fmt.Errorf("failed to save forum entry: %w", err)
	}
	return nil
}

// RecentForumEntries returns the newest forum entries, newest first.
func (c *Client) RecentForumEntries(ctx context.Context, limit int) ([]ForumEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, task_id, tag, content, logged_at
		FROM forum_entries ORDER BY logged_at DESC, id DESC LIMIT $1`
	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list forum entries: %w", err)
	}
	defer rows.Close()

	var entries []ForumEntry
	for rows.Next() {
		var e ForumEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Tag, &e.Content, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan forum entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
