package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bettafish/bettafish/pkg/models"
	"github.com/bettafish/bettafish/pkg/report/template"
)

// GenerateRequest is the body of POST /api/report/generate.
type GenerateRequest struct {
	Query          string `json:"query"`
	CustomTemplate string `json:"custom_template"`
}

func (s *Server) generateReport(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		fail(c, http.StatusBadRequest, "query is required")
		return
	}
	if !s.sup.Started() {
		fail(c, http.StatusServiceUnavailable, "system is not started")
		return
	}

	now := time.Now()
	task := &models.ReportTask{
		TaskID:    uuid.NewString(),
		Query:     req.Query,
		Status:    models.TaskStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, cancel := newTaskContext()
	if err := s.registry.Begin(task, cancel); err != nil {
		cancel()
		fail(c, http.StatusConflict, err.Error())
		return
	}

	go s.runTask(ctx, task.TaskID, req.Query, req.CustomTemplate)

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"task_id":    task.TaskID,
		"stream_url": "/api/report/stream/" + task.TaskID,
	})
}

func (s *Server) progress(c *gin.Context) {
	taskID := c.Param("taskId")
	task, ok := s.registry.Get(taskID)
	if !ok {
		// Evicted or pre-restart task: report it as long finished.
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"task": gin.H{
				"task_id":  taskID,
				"status":   models.TaskStatusCompleted,
				"progress": 100,
				"evicted":  true,
			},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

func (s *Server) result(c *gin.Context) {
	task, ok := s.registry.Get(c.Param("taskId"))
	if !ok || task.HTMLPath == "" {
		fail(c, http.StatusNotFound, "no report available for this task")
		return
	}
	data, err := os.ReadFile(task.HTMLPath)
	if err != nil {
		fail(c, http.StatusNotFound, "report file missing")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func (s *Server) download(c *gin.Context) {
	task, ok := s.registry.Get(c.Param("taskId"))
	if !ok || task.HTMLPath == "" {
		fail(c, http.StatusNotFound, "no report available for this task")
		return
	}
	c.FileAttachment(task.HTMLPath, filepath.Base(task.HTMLPath))
}

func (s *Server) cancel(c *gin.Context) {
	taskID := c.Param("taskId")
	if !s.registry.Cancel(taskID) {
		fail(c, http.StatusNotFound, "no running task with this id")
		return
	}
	// The worker observes the cancellation at the next stage boundary;
	// in-flight LLM calls are not hard-killed.
	c.JSON(http.StatusOK, gin.H{"success": true, "task_id": taskID})
}

func (s *Server) templates(c *gin.Context) {
	registry, err := template.LoadRegistry(s.cfg.Current().TemplatesDir)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to load template registry: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "templates": registry.List()})
}

// reportLog tails the application log, capped at LogTailCap bytes from EOF.
func (s *Server) reportLog(c *gin.Context) {
	f, err := os.Open(s.logPath)
	if err != nil {
		fail(c, http.StatusNotFound, "log file not available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	offset := info.Size() - LogTailCap
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "log": string(data), "truncated": offset > 0})
}

// history lists persisted runs from the run-history store.
func (s *Server) history(c *gin.Context) {
	db := s.sup.Database()
	if db == nil {
		fail(c, http.StatusServiceUnavailable, "run-history store is not configured")
		return
	}
	runs, err := db.ListRuns(c.Request.Context(), 50)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	resp := gin.H{"success": true, "runs": runs}
	if entries, err := db.RecentForumEntries(c.Request.Context(), 100); err == nil {
		resp["forum"] = entries
	} else {
		s.log.Warn("Failed to load forum history", "error", err)
	}
	c.JSON(http.StatusOK, resp)
}
