package api

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bettafish/bettafish/pkg/config"
	"github.com/bettafish/bettafish/pkg/llm"
	"github.com/bettafish/bettafish/pkg/models"
	"github.com/bettafish/bettafish/pkg/report/pipeline"
	"github.com/bettafish/bettafish/pkg/report/render"
	"github.com/bettafish/bettafish/pkg/report/store"
	"github.com/bettafish/bettafish/pkg/report/template"
)

func newTaskContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// progressByEvent maps pipeline events to coarse progress percentages.
var progressByEvent = map[string]int{
	"agent_start":       5,
	"template_selected": 10,
	"template_sliced":   15,
	"layout_designed":   25,
	"word_plan_ready":   35,
	"storage_ready":     40,
	"chapters_compiled": 85,
	"html_rendered":     95,
}

// runTask is the per-task worker goroutine: it gathers the pipeline inputs,
// runs the pipeline, renders and saves the artifacts, and drives the task
// through its terminal state. Events are republished on the bus.
func (s *Server) runTask(ctx context.Context, taskID, query, customTemplate string) {
	emit := func(eventType string, payload map[string]any) {
		s.bus.Publish(taskID, eventType, payload)
		if p, ok := progressByEvent[eventType]; ok {
			s.registry.Update(taskID, func(t *models.ReportTask) {
				if t.Progress < p {
					t.Progress = p
				}
			})
		}
	}

	input := pipeline.Input{
		TaskID:         taskID,
		ReportID:       ulid.Make().String(),
		Query:          query,
		CustomTemplate: customTemplate,
	}
	s.gatherInputs(&input)

	result, err := s.generate(ctx, input, emit)
	if err != nil {
		status := models.TaskStatusError
		if errors.Is(err, context.Canceled) {
			status = models.TaskStatusCancelled
		} else {
			s.bus.Publish(taskID, models.EventError, map[string]any{"error": err.Error()})
		}
		s.finishTask(taskID, func(t *models.ReportTask) {
			t.Status = status
			t.Error = err.Error()
		})
		return
	}

	htmlPath, mdPath, saveErr := s.saveArtifacts(input.ReportID, result)
	if saveErr != nil {
		s.bus.Publish(taskID, models.EventError, map[string]any{"error": saveErr.Error()})
		s.finishTask(taskID, func(t *models.ReportTask) {
			t.Status = models.TaskStatusError
			t.Error = saveErr.Error()
		})
		return
	}
	s.bus.Publish(taskID, models.EventHTMLRendered, map[string]any{"html_path": htmlPath})
	s.bus.Publish(taskID, models.EventReportSaved, map[string]any{
		"html_path":     htmlPath,
		"markdown_path": mdPath,
		"ir_path":       result.IRPath,
	})

	s.finishTask(taskID, func(t *models.ReportTask) {
		t.Status = models.TaskStatusCompleted
		t.Progress = 100
		t.HTMLPath = htmlPath
		t.MarkdownPath = mdPath
		t.IRPath = result.IRPath
	})
}

// finishTask applies the terminal mutation, emits task_completed, closes the
// task on the bus, and persists the run best-effort.
func (s *Server) finishTask(taskID string, mutate func(*models.ReportTask)) {
	s.registry.Update(taskID, mutate)
	task, _ := s.registry.Get(taskID)

	s.bus.Publish(taskID, models.EventTaskCompleted, map[string]any{
		"status":   task.Status,
		"progress": task.Progress,
	})
	s.bus.CloseTask(taskID)

	if db := s.sup.Database(); db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.SaveRun(ctx, &task); err != nil {
			s.log.Warn("Failed to persist run", "task_id", taskID, "error", err)
		}
	}
	s.log.Info("Task finished", "task_id", taskID, "status", task.Status)
}

// gatherInputs loads the latest engine report files and the forum log.
func (s *Server) gatherInputs(input *pipeline.Input) {
	settings := s.cfg.Current()

	if bl := s.sup.Baseline(); bl != nil {
		latest, err := bl.LatestFiles(settings.ReportArtifactDirs())
		if err != nil {
			s.log.Warn("Failed to enumerate engine reports", "error", err)
		}
		reports := make(map[models.Engine]any)
		for engine, path := range latest {
			data, err := os.ReadFile(path)
			if err != nil {
				s.log.Warn("Failed to read engine report", "engine", engine, "path", path, "error", err)
				continue
			}
			reports[engine] = string(data)
		}
		input.Reports = reports
	}

	if data, err := os.ReadFile(s.sup.ForumLogPath()); err == nil {
		input.ForumLog = string(data)
	}
}

// runPipeline is the production generate implementation.
func (s *Server) runPipeline(ctx context.Context, input pipeline.Input, emit pipeline.EmitFunc) (*pipeline.Result, error) {
	settings := s.cfg.Current()
	if !settings.ReportLLM.Configured() {
		return nil, config.NewConfigError("REPORT_LLM", "credentials are not configured")
	}

	registry, err := template.LoadRegistry(settings.TemplatesDir)
	if err != nil {
		return nil, err
	}

	client := s.buildClient("report", settings.ReportLLM, settings.Pipeline.LLMCallTimeout)
	var rescue []llm.Client
	for _, entry := range settings.RescueCredentials() {
		if entry.Label == "report" {
			continue
		}
		rescue = append(rescue, s.buildClient(entry.Label, entry.Cred, settings.Pipeline.LLMCallTimeout))
	}

	p := pipeline.New(pipeline.Options{
		Client:                  client,
		RescueClients:           rescue,
		Registry:                registry,
		Store:                   store.NewStore(filepath.Join(settings.LogsDir, "report_runs")),
		IRDir:                   filepath.Join(settings.FinalReportsDir, "ir"),
		JSONErrorLogDir:         filepath.Join(settings.LogsDir, "json_errors"),
		QuarantineDir:           filepath.Join(settings.LogsDir, "quarantine"),
		ChapterJSONMaxAttempts:  settings.Pipeline.ChapterJSONMaxAttempts,
		StructuralRetryAttempts: settings.Pipeline.StructuralRetryAttempts,
		ContentSparseMinChars:   settings.Pipeline.ContentSparseMinChars,
		Emit:                    emit,
	})
	return p.Run(ctx, input)
}

func (s *Server) buildClient(label string, cred config.LLMCredential, timeout time.Duration) llm.Client {
	return llm.NewClient(llm.Options{
		Label:   label,
		APIKey:  cred.APIKey,
		BaseURL: cred.BaseURL,
		Model:   cred.Model,
		Timeout: timeout,
	})
}

// saveArtifacts renders the document to HTML and Markdown under the final
// reports directory.
func (s *Server) saveArtifacts(reportID string, result *pipeline.Result) (htmlPath, mdPath string, err error) {
	dir := s.cfg.Current().FinalReportsDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	htmlPath = filepath.Join(dir, reportID+".html")
	if err := os.WriteFile(htmlPath, []byte(render.HTML(result.Document)), 0o644); err != nil {
		return "", "", err
	}
	mdPath = filepath.Join(dir, reportID+".md")
	if err := os.WriteFile(mdPath, []byte(render.Markdown(result.Document)), 0o644); err != nil {
		return "", "", err
	}
	return htmlPath, mdPath, nil
}
