package ir

import (
	"fmt"
	"sort"
	"time"
)

// Composer stitches validated chapter payloads into a final Document.
type Composer struct{}

// NewComposer creates a Composer.
func NewComposer() *Composer {
	return &Composer{}
}

// Build sorts chapters by order, resolves anchors, and assembles the final
// document. Anchor precedence per chapter: a custom table-of-contents entry
// in metadata, then the chapter's own anchor, then "section-{index}".
// Collisions get a numeric suffix so every anchor in the document is unique.
func (c *Composer) Build(reportID string, metadata map[string]any, chapters []map[string]any) Document {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, present := metadata["generatedAt"]; !present {
		metadata["generatedAt"] = time.Now().Format(time.RFC3339)
	}

	sorted := make([]map[string]any, len(chapters))
	copy(sorted, chapters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return chapterOrder(sorted[i]) < chapterOrder(sorted[j])
	})

	tocAnchors := tocAnchorsByChapter(metadata)
	used := make(map[string]bool)
	for index, chapter := range sorted {
		chapterID, _ := chapter["chapterId"].(string)
		if chapterID == "" {
			chapterID = fmt.Sprintf("S%d", index)
			chapter["chapterId"] = chapterID
		}

		anchor := tocAnchors[chapterID]
		if anchor == "" {
			anchor, _ = chapter["anchor"].(string)
		}
		if anchor == "" {
			anchor = fmt.Sprintf("section-%d", index)
		}
		chapter["anchor"] = uniqueAnchor(anchor, used)

		if isErrorPlaceholder(chapter) {
			ensureHeading(chapter)
		}
	}

	themeTokens, _ := metadata["themeTokens"].(map[string]any)
	return Document{
		Version:     Version,
		ReportID:    reportID,
		Metadata:    metadata,
		ThemeTokens: themeTokens,
		Chapters:    sorted,
	}
}

// tocAnchorsByChapter extracts custom anchors from the layout toc plan held
// in metadata.
func tocAnchorsByChapter(metadata map[string]any) map[string]string {
	anchors := make(map[string]string)
	plan, ok := metadata["tocPlan"].([]any)
	if !ok {
		return anchors
	}
	for _, rawEntry := range plan {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		chapterID, _ := entry["chapterId"].(string)
		anchor, _ := entry["anchor"].(string)
		if chapterID != "" && anchor != "" {
			anchors[chapterID] = anchor
		}
	}
	return anchors
}

func uniqueAnchor(anchor string, used map[string]bool) string {
	candidate := anchor
	for suffix := 2; used[candidate]; suffix++ {
		candidate = fmt.Sprintf("%s-%d", anchor, suffix)
	}
	used[candidate] = true
	return candidate
}

func isErrorPlaceholder(chapter map[string]any) bool {
	meta, ok := chapter["meta"].(map[string]any)
	if !ok {
		return false
	}
	flag, _ := meta["errorPlaceholder"].(bool)
	return flag
}

// ensureHeading prepends a heading block when an error placeholder chapter
// lacks one, so the rendered document still shows the chapter title.
func ensureHeading(chapter map[string]any) {
	blocks, _ := chapter["blocks"].([]any)
	for _, raw := range blocks {
		if block, ok := raw.(map[string]any); ok {
			if blockType, _ := block["type"].(string); blockType == "heading" {
				return
			}
		}
	}
	title, _ := chapter["title"].(string)
	if title == "" {
		title = "未命名章节"
	}
	heading := map[string]any{"type": "heading", "level": 2, "text": title}
	chapter["blocks"] = append([]any{heading}, blocks...)
}

func chapterOrder(chapter map[string]any) float64 {
	switch n := chapter["order"].(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
