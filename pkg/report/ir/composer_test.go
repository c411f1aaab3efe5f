package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chapterWith(order float64, extra map[string]any) map[string]any {
	chapter := map[string]any{
		"title":  "章节",
		"order":  order,
		"blocks": []any{map[string]any{"type": "paragraph", "text": "内容"}},
	}
	for k, v := range extra {
		chapter[k] = v
	}
	return chapter
}

func TestBuild_SortsByOrderAndAssignsChapterIDs(t *testing.T) {
	doc := NewComposer().Build("r1", nil, []map[string]any{
		chapterWith(30, nil),
		chapterWith(10, nil),
		chapterWith(20, map[string]any{"chapterId": "custom"}),
	})

	require.Len(t, doc.Chapters, 3)
	assert.Equal(t, float64(10), doc.Chapters[0]["order"])
	assert.Equal(t, float64(20), doc.Chapters[1]["order"])
	assert.Equal(t, float64(30), doc.Chapters[2]["order"])

	// Missing chapterIds default to S{index}; explicit ones are kept.
	assert.Equal(t, "S0", doc.Chapters[0]["chapterId"])
	assert.Equal(t, "custom", doc.Chapters[1]["chapterId"])
	assert.Equal(t, "S2", doc.Chapters[2]["chapterId"])
}

func TestBuild_AnchorPrecedence(t *testing.T) {
	metadata := map[string]any{
		"tocPlan": []any{
			map[string]any{"chapterId": "c1", "anchor": "toc-anchor"},
		},
	}
	doc := NewComposer().Build("r1", metadata, []map[string]any{
		chapterWith(10, map[string]any{"chapterId": "c1", "anchor": "own-anchor"}),
		chapterWith(20, map[string]any{"chapterId": "c2", "anchor": "own-anchor"}),
		chapterWith(30, map[string]any{"chapterId": "c3"}),
	})

	// Toc entry beats the chapter's own anchor.
	assert.Equal(t, "toc-anchor", doc.Chapters[0]["anchor"])
	assert.Equal(t, "own-anchor", doc.Chapters[1]["anchor"])
	// No toc entry and no own anchor falls back to section-{index}.
	assert.Equal(t, "section-2", doc.Chapters[2]["anchor"])
}

func TestBuild_DeduplicatesAnchors(t *testing.T) {
	doc := NewComposer().Build("r1", nil, []map[string]any{
		chapterWith(10, map[string]any{"anchor": "dup"}),
		chapterWith(20, map[string]any{"anchor": "dup"}),
		chapterWith(30, map[string]any{"anchor": "dup"}),
	})

	assert.Equal(t, "dup", doc.Chapters[0]["anchor"])
	assert.Equal(t, "dup-2", doc.Chapters[1]["anchor"])
	assert.Equal(t, "dup-3", doc.Chapters[2]["anchor"])
}

func TestBuild_ErrorPlaceholderGetsHeading(t *testing.T) {
	chapter := chapterWith(10, map[string]any{
		"title": "生成失败章节",
		"meta":  map[string]any{"errorPlaceholder": true},
	})
	doc := NewComposer().Build("r1", nil, []map[string]any{chapter})

	blocks := doc.Chapters[0]["blocks"].([]any)
	first := blocks[0].(map[string]any)
	assert.Equal(t, "heading", first["type"])
	assert.Equal(t, "生成失败章节", first["text"])
}

func TestBuild_ErrorPlaceholderKeepsExistingHeading(t *testing.T) {
	chapter := chapterWith(10, map[string]any{
		"meta": map[string]any{"errorPlaceholder": true},
		"blocks": []any{
			map[string]any{"type": "heading", "level": float64(2), "text": "已有标题"},
		},
	})
	doc := NewComposer().Build("r1", nil, []map[string]any{chapter})

	blocks := doc.Chapters[0]["blocks"].([]any)
	require.Len(t, blocks, 1)
}

func TestBuild_DocumentEnvelope(t *testing.T) {
	metadata := map[string]any{
		"title":       "报告",
		"themeTokens": map[string]any{"accent": "#1a73e8"},
	}
	doc := NewComposer().Build("report-42", metadata, nil)

	assert.Equal(t, Version, doc.Version)
	assert.Equal(t, "report-42", doc.ReportID)
	assert.Equal(t, "#1a73e8", doc.ThemeTokens["accent"])
	assert.NotEmpty(t, doc.Metadata["generatedAt"])
}

func TestBuild_PreservesExistingGeneratedAt(t *testing.T) {
	metadata := map[string]any{"generatedAt": "2026-01-01T00:00:00Z"}
	doc := NewComposer().Build("r1", metadata, nil)
	assert.Equal(t, "2026-01-01T00:00:00Z", doc.Metadata["generatedAt"])
}
