package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bettafish/bettafish/pkg/jsonx"
	"github.com/bettafish/bettafish/pkg/llm"
	"github.com/bettafish/bettafish/pkg/report/prompt"
	"github.com/bettafish/bettafish/pkg/report/store"
	"github.com/bettafish/bettafish/pkg/report/template"
)

// generateChapter runs the layered recovery ladder for one section: up to M
// attempts, sparse-candidate tracking, a rescue pass over the fallback LLM
// list, and a forensic raw dump on persistent failure.
func (p *Pipeline) generateChapter(ctx context.Context, input Input, shared prompt.Shared, runDir string, section template.Section, directive prompt.ChapterDirective) error {
	meta := store.ChapterMeta{
		ChapterID: section.ChapterID,
		Title:     section.Title,
		Slug:      section.Slug,
		Order:     section.Order,
	}
	chapterDir, err := p.opts.Store.BeginChapter(runDir, meta)
	if err != nil {
		return err
	}

	maxAttempts := contentSparseMinAttempts
	if p.opts.ChapterJSONMaxAttempts > maxAttempts {
		maxAttempts = p.opts.ChapterJSONMaxAttempts
	}
	user := prompt.Chapter(shared, section, directive)

	var bestSparse map[string]any
	bestSparseChars := -1
	var lastRaw string
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.emit("chapter_status", map[string]any{
			"chapter_id": section.ChapterID,
			"status":     "generating",
			"attempt":    attempt,
		})

		raw, streamErr := p.streamChapterOnce(ctx, chapterDir, section, user)
		if raw != "" {
			lastRaw = raw
		}
		if streamErr != nil {
			if !llm.IsContentModerationError(streamErr) && ctx.Err() != nil {
				return streamErr
			}
			// Moderation rejections and transient stream failures both
			// consume an attempt.
			lastErr = streamErr
			p.log.Warn("Chapter generation attempt failed",
				"chapter_id", section.ChapterID, "attempt", attempt, "error", streamErr)
		} else {
			payload, classifyErr := p.classifyChapter(section, raw)
			if classifyErr == nil {
				return p.acceptChapter(runDir, meta, payload, false)
			}
			lastErr = classifyErr

			var contentErr *ChapterContentError
			if errors.As(classifyErr, &contentErr) && contentErr.Chars > bestSparseChars {
				bestSparse = payload
				bestSparseChars = contentErr.Chars
			}
			p.log.Warn("Chapter attempt rejected",
				"chapter_id", section.ChapterID, "attempt", attempt, "error", classifyErr)
		}

		if attempt < maxAttempts {
			p.emit("chapter_status", map[string]any{
				"chapter_id": section.ChapterID,
				"status":     "retrying",
				"attempt":    attempt,
			})
		}
	}

	// Attempts exhausted. A sparse candidate is accepted with an inline
	// warning; parse and validation failures get one rescue pass.
	var contentErr *ChapterContentError
	if errors.As(lastErr, &contentErr) && bestSparse != nil {
		return p.acceptChapter(runDir, meta, finalizeSparseChapter(bestSparse), true)
	}

	if rescued := p.rescueChapter(ctx, section, user, lastRaw); rescued != nil {
		return p.acceptChapter(runDir, meta, rescued, false)
	}

	p.dumpFailedChapter(input.TaskID, section.Slug, lastRaw)
	p.persistInvalid(runDir, meta, lastErr)
	p.emit("chapter_status", map[string]any{
		"chapter_id": section.ChapterID,
		"status":     "error",
		"error":      fmt.Sprint(lastErr),
	})
	return lastErr
}

// streamChapterOnce runs a single streaming generation, teeing the raw
// output to the chapter's capture file and forwarding chunks to the stream
// handler.
func (p *Pipeline) streamChapterOnce(ctx context.Context, chapterDir string, section template.Section, user string) (string, error) {
	w, err := p.opts.Store.CaptureStream(chapterDir)
	if err != nil {
		return "", err
	}
	defer w.Close()

	return p.opts.Client.GenerateStream(ctx, llm.Request{
		System: prompt.SystemChapterGeneration,
		User:   user,
	}, func(chunk string) {
		if _, err := w.WriteString(chunk); err != nil {
			p.log.Warn("Stream capture write failed", "chapter_id", section.ChapterID, "error", err)
		}
		p.emit("chapter_chunk", map[string]any{
			"chapter_id": section.ChapterID,
			"delta":      chunk,
		})
	})
}

// classifyChapter parses and validates one raw attempt. The returned payload
// is non-nil for content errors so callers can keep it as a sparse candidate.
func (p *Pipeline) classifyChapter(section template.Section, raw string) (map[string]any, error) {
	payload, err := jsonx.ParseObject(raw, jsonx.Options{
		Context:       "chapter_" + section.ChapterID,
		ExpectedKeys:  []string{"title", "blocks"},
		QuarantineDir: p.opts.QuarantineDir,
	})
	if err != nil {
		return nil, &ChapterJSONParseError{ChapterID: section.ChapterID, Err: err}
	}
	if _, ok := payload["chapterId"].(string); !ok {
		payload["chapterId"] = section.ChapterID
	}
	if _, ok := payload["order"]; !ok {
		payload["order"] = float64(section.Order)
	}
	if anchor, _ := payload["anchor"].(string); anchor == "" {
		payload["anchor"] = section.Slug
	}

	if issues := p.validator.Validate(payload); len(issues) > 0 {
		return nil, &ChapterValidationError{ChapterID: section.ChapterID, Issues: issues}
	}
	if chars := bodyChars(payload); chars < p.opts.ContentSparseMinChars {
		return payload, &ChapterContentError{
			ChapterID: section.ChapterID,
			Chars:     chars,
			Threshold: p.opts.ContentSparseMinChars,
		}
	}
	return payload, nil
}

func (p *Pipeline) acceptChapter(runDir string, meta store.ChapterMeta, payload map[string]any, sparse bool) error {
	if _, err := p.opts.Store.PersistChapter(runDir, meta, payload, nil); err != nil {
		return err
	}
	status := map[string]any{
		"chapter_id": meta.ChapterID,
		"status":     "completed",
	}
	if sparse {
		status["content_sparse_warning"] = true
	}
	p.emit("chapter_status", status)
	return nil
}

// rescueChapter walks the fallback LLM list asking each to repair the raw
// failed output into valid chapter JSON. The first validator-passing result
// wins.
func (p *Pipeline) rescueChapter(ctx context.Context, section template.Section, generationPayload, rawFailed string) map[string]any {
	if rawFailed == "" {
		return nil
	}
	for _, client := range p.opts.RescueClients {
		if ctx.Err() != nil {
			return nil
		}
		out, err := client.Generate(ctx, llm.Request{
			System: prompt.SystemChapterJSONRecovery,
			User:   prompt.ChapterJSONRecovery(rawFailed, generationPayload, section.Title),
		})
		if err != nil {
			p.log.Warn("Rescue client failed", "label", client.Label(), "chapter_id", section.ChapterID, "error", err)
			continue
		}
		payload, err := jsonx.ParseObject(out, jsonx.Options{
			Context:      "chapter_rescue_" + section.ChapterID,
			ExpectedKeys: []string{"title", "blocks"},
		})
		if err != nil {
			continue
		}
		if _, ok := payload["chapterId"].(string); !ok {
			payload["chapterId"] = section.ChapterID
		}
		if _, ok := payload["order"]; !ok {
			payload["order"] = float64(section.Order)
		}
		if issues := p.validator.Validate(payload); len(issues) > 0 {
			p.log.Warn("Rescue output failed validation", "label", client.Label(), "chapter_id", section.ChapterID, "issues", len(issues))
			continue
		}
		p.log.Info("Chapter rescued", "label", client.Label(), "chapter_id", section.ChapterID)
		return payload
	}
	return nil
}

// finalizeSparseChapter deep-copies the best sparse candidate, prepends the
// localized italic warning, and flags the chapter meta.
func finalizeSparseChapter(candidate map[string]any) map[string]any {
	chapter := deepCopy(candidate)

	warning := map[string]any{
		"type": "paragraph",
		"inlines": []any{map[string]any{
			"text":  sparseWarningText,
			"marks": []any{"italic"},
		}},
	}
	blocks, _ := chapter["blocks"].([]any)
	chapter["blocks"] = append([]any{warning}, blocks...)

	meta, _ := chapter["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["contentSparseWarning"] = true
	chapter["meta"] = meta
	return chapter
}

func (p *Pipeline) persistInvalid(runDir string, meta store.ChapterMeta, cause error) {
	var errs []string
	var validationErr *ChapterValidationError
	if errors.As(cause, &validationErr) {
		errs = validationErr.Messages()
	} else if cause != nil {
		errs = []string{cause.Error()}
	}
	placeholder := map[string]any{
		"chapterId": meta.ChapterID,
		"title":     meta.Title,
		"order":     float64(meta.Order),
		"blocks":    []any{},
		"meta":      map[string]any{"errorPlaceholder": true},
	}
	if _, err := p.opts.Store.PersistChapter(runDir, meta, placeholder, errs); err != nil {
		p.log.Error("Failed to persist invalid chapter record", "chapter_id", meta.ChapterID, "error", err)
	}
}

// dumpFailedChapter writes the raw output that defeated all recovery to the
// JSON error log directory for forensic review.
func (p *Pipeline) dumpFailedChapter(taskID, slug, raw string) {
	if p.opts.JSONErrorLogDir == "" || raw == "" {
		return
	}
	if err := os.MkdirAll(p.opts.JSONErrorLogDir, 0o755); err != nil {
		p.log.Warn("Failed to create json error log dir", "error", err)
		return
	}
	path := filepath.Join(p.opts.JSONErrorLogDir, fmt.Sprintf("%s_%s.raw.txt", taskID, store.SafeSlug(slug)))
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		p.log.Warn("Failed to dump failed chapter", "path", path, "error", err)
	}
}

// bodyChars counts the visible characters in a chapter payload, walking
// nested blocks and inline runs.
func bodyChars(payload map[string]any) int {
	blocks, _ := payload["blocks"].([]any)
	return countBlockChars(blocks)
}

func countBlockChars(blocks []any) int {
	total := 0
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := block["text"].(string); ok {
			total += len([]rune(text))
		}
		if inlines, ok := block["inlines"].([]any); ok {
			for _, rawInline := range inlines {
				if inline, ok := rawInline.(map[string]any); ok {
					if text, ok := inline["text"].(string); ok {
						total += len([]rune(text))
					}
				}
			}
		}
		if nested, ok := block["blocks"].([]any); ok {
			total += countBlockChars(nested)
		}
		if items, ok := block["items"].([]any); ok {
			for _, rawItem := range items {
				if item, ok := rawItem.([]any); ok {
					total += countBlockChars(item)
				}
			}
		}
	}
	return total
}

func deepCopy(value map[string]any) map[string]any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}
