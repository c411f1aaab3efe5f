// Package pipeline runs the staged report generation: template selection,
// slicing, layout, word budget, per-chapter streaming generation with a
// recovery ladder, stitching, and persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bettafish/bettafish/pkg/jsonx"
	"github.com/bettafish/bettafish/pkg/llm"
	"github.com/bettafish/bettafish/pkg/models"
	"github.com/bettafish/bettafish/pkg/report/ir"
	"github.com/bettafish/bettafish/pkg/report/prompt"
	"github.com/bettafish/bettafish/pkg/report/store"
	"github.com/bettafish/bettafish/pkg/report/template"
)

// EmitFunc receives pipeline progress events. Implementations are shielded:
// a panic inside the handler is logged and swallowed.
type EmitFunc func(eventType string, payload map[string]any)

// Options configures a Pipeline.
type Options struct {
	// Client generates stage and chapter completions.
	Client llm.Client
	// RescueClients are tried in order when a chapter payload cannot be
	// parsed or validated after all plain retries.
	RescueClients []llm.Client
	// Registry lists the named templates available for selection.
	Registry *template.Registry
	// Store persists per-chapter artifacts.
	Store *store.Store
	// IRDir receives the final document IR JSON for re-rendering.
	IRDir string
	// JSONErrorLogDir receives raw dumps of unrecoverable chapter output.
	JSONErrorLogDir string
	// QuarantineDir receives raw text that exhausted the JSON repair cascade.
	QuarantineDir string

	ChapterJSONMaxAttempts  int
	StructuralRetryAttempts int
	ContentSparseMinChars   int

	Emit EmitFunc
}

// contentSparseMinAttempts floors the chapter retry ladder.
const contentSparseMinAttempts = 3

// sparseWarningText is prepended to a chapter accepted via the sparse
// fallback.
const sparseWarningText = "本章节由LLM生成的内容字数可能过低,可能未完整覆盖章节主题,请结合其他章节与原始数据综合判断。"

// Pipeline converts a query plus engine reports into a Document IR.
type Pipeline struct {
	opts      Options
	validator *ir.Validator
	composer  *ir.Composer
	log       *slog.Logger
}

// New creates a Pipeline. Zero limits take the defaults: 3 chapter
// attempts, 2 structural retries, 200 sparse-content chars.
func New(opts Options) *Pipeline {
	if opts.ChapterJSONMaxAttempts <= 0 {
		opts.ChapterJSONMaxAttempts = 3
	}
	if opts.StructuralRetryAttempts <= 0 {
		opts.StructuralRetryAttempts = 2
	}
	if opts.ContentSparseMinChars <= 0 {
		opts.ContentSparseMinChars = 200
	}
	return &Pipeline{
		opts:      opts,
		validator: ir.NewValidator(),
		composer:  ir.NewComposer(),
		log:       slog.With("component", "report_pipeline"),
	}
}

// Input is one report generation request.
type Input struct {
	TaskID string
	// ReportID names the persisted run artifacts; defaults to TaskID.
	ReportID       string
	Query          string
	Reports        map[models.Engine]any
	ForumLog       string
	CustomTemplate string
}

// Result carries the composed document and its persisted artifacts.
type Result struct {
	Document ir.Document
	RunDir   string
	IRPath   string
}

// Run executes all stages. Cancellation is honored at stage boundaries and
// between chapter attempts; an in-flight LLM call runs to completion.
func (p *Pipeline) Run(ctx context.Context, input Input) (*Result, error) {
	if input.ReportID == "" {
		input.ReportID = input.TaskID
	}
	runStart := time.Now()
	stageDurations := map[string]int64{}
	mark := runStart
	stageDone := func(stage string) {
		stageDurations[stage] = time.Since(mark).Milliseconds()
		mark = time.Now()
	}
	p.emit("agent_start", map[string]any{"task_id": input.TaskID, "query": input.Query})

	shared := prompt.Shared{
		Query:   input.Query,
		Reports: NormalizeReports(input.Reports),
	}
	shared.ForumLog = input.ForumLog

	// Stage 1: template selection, builtin on any failure.
	templateName, templateContent := p.selectTemplate(ctx, input.Query, input.CustomTemplate)
	shared.TemplateName = templateName
	p.emit("template_selected", map[string]any{"template_name": templateName})
	stageDone("template_selection")

	// Stage 2: slicing, single builtin section on empty parse.
	sections := template.Parse(templateContent)
	if len(sections) == 0 {
		sections = template.Builtin()
	}
	p.emit("template_sliced", map[string]any{"sections": len(sections)})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 3: document layout.
	layout, err := p.stageCall(ctx, "document_layout", prompt.SystemDocumentLayout,
		prompt.DocumentLayout(shared, sections), []string{"title", "tocPlan"})
	if err != nil {
		return nil, err
	}
	if _, ok := layout["title"].(string); !ok {
		layout["title"] = input.Query
	}
	shared.ThemeTokens, _ = layout["themeTokens"].(map[string]any)
	p.emit("layout_designed", map[string]any{"title": layout["title"]})
	stageDone("document_layout")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage 4: word budget.
	rawPlan, err := p.stageCall(ctx, "word_budget", prompt.SystemWordBudget,
		prompt.WordBudget(shared, sections), []string{"totalWords", "chapters"})
	if err != nil {
		return nil, err
	}
	plan, err := NormalizeWordPlan(rawPlan)
	if err != nil {
		return nil, err
	}
	p.emit("word_plan_ready", map[string]any{"total_words": plan["totalWords"]})
	stageDone("word_budget")

	// Storage session for this run.
	runDir, err := p.opts.Store.StartSession(input.ReportID, map[string]any{
		"query":        input.Query,
		"templateName": templateName,
	})
	if err != nil {
		return nil, err
	}
	p.persistArtifact(runDir, "document_layout.json", layout)
	p.persistArtifact(runDir, "word_plan.json", plan)
	p.persistArtifact(runDir, "template_overview.json", map[string]any{
		"templateName": templateName,
		"sections":     sections,
	})
	p.emit("storage_ready", map[string]any{"run_dir": runDir})

	// Stage 5: per-chapter generation, sequential.
	allowances := swotPestAllowances(layout)
	for _, section := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		directive := prompt.ChapterDirective{
			Directive: ChapterDirectiveFor(plan, section.ChapterID),
			AllowSwot: allowances[section.ChapterID].swot,
			AllowPest: allowances[section.ChapterID].pest,
		}
		if err := p.generateChapter(ctx, input, shared, runDir, section, directive); err != nil {
			return nil, err
		}
	}
	stageDone("chapter_generation")

	// Stage 6: stitch.
	chapters, err := p.opts.Store.LoadChapters(runDir)
	if err != nil {
		return nil, err
	}
	metadata := map[string]any{
		"query":        input.Query,
		"templateName": templateName,
	}
	for _, key := range []string{"title", "subtitle", "tagline", "tocTitle", "hero", "themeTokens", "tocPlan"} {
		if value, present := layout[key]; present {
			metadata[key] = value
		}
	}
	doc := p.composer.Build(input.ReportID, metadata, chapters)
	p.emit("chapters_compiled", map[string]any{"chapters": len(doc.Chapters)})

	irPath, err := p.persistIR(input.ReportID, doc)
	if err != nil {
		return nil, err
	}
	p.emit("metrics", map[string]any{
		"total_ms":  time.Since(runStart).Milliseconds(),
		"stages_ms": stageDurations,
		"chapters":  len(doc.Chapters),
		"sections":  len(sections),
	})
	return &Result{Document: doc, RunDir: runDir, IRPath: irPath}, nil
}

// selectTemplate resolves the template name and content. Custom templates
// win; otherwise the selection LLM chooses from the registry; any failure
// falls back to the builtin template.
func (p *Pipeline) selectTemplate(ctx context.Context, query, customTemplate string) (string, string) {
	if customTemplate != "" {
		return "custom", customTemplate
	}
	candidates := p.opts.Registry.List()
	if len(candidates) == 0 {
		return "builtin", template.BuiltinContent
	}

	selection, err := p.stageCall(ctx, "template_selection", prompt.SystemTemplateSelection,
		prompt.TemplateSelection(query, candidates, ""), []string{"templateName"})
	if err != nil {
		p.log.Warn("Template selection failed, using builtin", "error", err)
		return "builtin", template.BuiltinContent
	}
	name, _ := selection["templateName"].(string)
	content, err := p.opts.Registry.Content(name)
	if err != nil {
		p.log.Warn("Selected template unavailable, using builtin", "template_name", name, "error", err)
		return "builtin", template.BuiltinContent
	}
	return name, content
}

// stageCall invokes the LLM for a non-chapter stage and parses the response
// into an object. Format errors and content-safety rejections are retried up
// to the structural retry limit with the same prompt.
func (p *Pipeline) stageCall(ctx context.Context, stage, system, user string, expectedKeys []string) (map[string]any, error) {
	var lastErr error
	attempts := p.opts.StructuralRetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := p.opts.Client.Generate(ctx, llm.Request{System: system, User: user})
		if err != nil {
			if llm.IsContentModerationError(err) {
				lastErr = err
				p.log.Warn("Stage call hit content moderation, retrying", "stage", stage, "attempt", attempt)
				continue
			}
			return nil, fmt.Errorf("stage %s call failed: %w", stage, err)
		}

		result, err := jsonx.ParseObject(raw, jsonx.Options{
			Context:       stage,
			ExpectedKeys:  expectedKeys,
			QuarantineDir: p.opts.QuarantineDir,
		})
		if err != nil {
			lastErr = &StageOutputFormatError{Stage: stage, Reason: err.Error()}
			p.log.Warn("Stage output malformed, retrying", "stage", stage, "attempt", attempt, "error", err)
			continue
		}
		return result, nil
	}
	return nil, lastErr
}

// emit forwards an event to the stream handler, never letting a handler
// failure reach the pipeline.
func (p *Pipeline) emit(eventType string, payload map[string]any) {
	if p.opts.Emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Stream handler panicked", "event_type", eventType, "panic", r)
		}
	}()
	p.opts.Emit(eventType, payload)
}

func (p *Pipeline) persistArtifact(runDir, name string, value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		p.log.Warn("Failed to marshal artifact", "name", name, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(runDir, name), data, 0o644); err != nil {
		p.log.Warn("Failed to write artifact", "name", name, "error", err)
	}
}

// persistIR saves the final document under the IR directory for re-render.
func (p *Pipeline) persistIR(reportID string, doc ir.Document) (string, error) {
	if err := os.MkdirAll(p.opts.IRDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create IR directory: %w", err)
	}
	path := filepath.Join(p.opts.IRDir, reportID+".json")
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal document IR: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write document IR: %w", err)
	}
	return path, nil
}

type allowance struct {
	swot bool
	pest bool
}

// swotPestAllowances reads per-chapter swot/pest permissions from the layout
// toc plan, enforcing the at-most-one global constraint in plan order.
func swotPestAllowances(layout map[string]any) map[string]allowance {
	allowances := make(map[string]allowance)
	plan, _ := layout["tocPlan"].([]any)
	swotTaken, pestTaken := false, false
	for _, rawEntry := range plan {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		chapterID, _ := entry["chapterId"].(string)
		if chapterID == "" {
			continue
		}
		a := allowance{}
		if flag, _ := entry["allowSwot"].(bool); flag && !swotTaken {
			a.swot = true
			swotTaken = true
		}
		if flag, _ := entry["allowPest"].(bool); flag && !pestTaken {
			a.pest = true
			pestTaken = true
		}
		allowances[chapterID] = a
	}
	return allowances
}
