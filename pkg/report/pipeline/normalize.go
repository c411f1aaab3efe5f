package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/bettafish/bettafish/pkg/models"
)

// NormalizeReports coerces the per-engine analysis outputs into prompt-ready
// strings in the fixed order query, media, insight. Non-string inputs are
// JSON-serialized; missing engines yield empty strings.
func NormalizeReports(reports map[models.Engine]any) []string {
	order := []models.Engine{models.EngineQuery, models.EngineMedia, models.EngineInsight}
	out := make([]string, 0, len(order))
	for _, engine := range order {
		out = append(out, coerceString(reports[engine]))
	}
	return out
}

func coerceString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	}
}

// defaultTotalWords is used when the word plan omits or mistypes totalWords.
const defaultTotalWords = 10000

// NormalizeWordPlan repairs the common shape defects in an LLM word plan:
// chapters coerced to a list of objects, globalGuidelines wrapped into a
// list, totalWords defaulted. Only an empty chapter list is fatal.
func NormalizeWordPlan(plan map[string]any) (map[string]any, error) {
	if plan == nil {
		return nil, &StageOutputFormatError{Stage: "word_budget", Reason: "plan is not an object"}
	}

	chapters := normalizeChapterList(plan["chapters"])
	if len(chapters) == 0 {
		return nil, &StageOutputFormatError{Stage: "word_budget", Reason: "no usable chapter entries"}
	}
	plan["chapters"] = chapters

	switch guidelines := plan["globalGuidelines"].(type) {
	case []any:
		// already a list
	case nil:
		plan["globalGuidelines"] = []any{}
	default:
		plan["globalGuidelines"] = []any{guidelines}
	}

	if !isNumeric(plan["totalWords"]) {
		plan["totalWords"] = float64(defaultTotalWords)
	}
	return plan, nil
}

func normalizeChapterList(raw any) []any {
	var entries []any
	switch value := raw.(type) {
	case []any:
		entries = value
	case map[string]any:
		entries = []any{value}
	default:
		return nil
	}

	var chapters []any
	for _, entry := range entries {
		switch item := entry.(type) {
		case map[string]any:
			chapters = append(chapters, item)
		case []any:
			// A nested list entry contributes its first object.
			for _, inner := range item {
				if obj, ok := inner.(map[string]any); ok {
					chapters = append(chapters, obj)
					break
				}
			}
		}
	}
	return chapters
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

// ChapterDirectiveFor returns the word plan entry for a chapter id, or nil.
func ChapterDirectiveFor(plan map[string]any, chapterID string) map[string]any {
	if plan == nil {
		return nil
	}
	chapters, _ := plan["chapters"].([]any)
	for _, raw := range chapters {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := entry["chapterId"].(string); id == chapterID {
			return entry
		}
	}
	return nil
}
