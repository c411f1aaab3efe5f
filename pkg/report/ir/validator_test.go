package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validChapter() map[string]any {
	return map[string]any{
		"chapterId": "S0",
		"title":     "市场概览",
		"order":     float64(10),
		"blocks": []any{
			map[string]any{"type": "heading", "level": float64(2), "text": "市场概览"},
			map[string]any{"type": "paragraph", "text": "整体舆情平稳。"},
		},
	}
}

func TestValidate_AcceptsWellFormedChapter(t *testing.T) {
	v := NewValidator()
	assert.Empty(t, v.Validate(validChapter()))
}

func TestValidate_ChapterLevelErrors(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		path    string
	}{
		{"missing title", func(c map[string]any) { delete(c, "title") }, "title"},
		{"empty title", func(c map[string]any) { c["title"] = "" }, "title"},
		{"non-numeric order", func(c map[string]any) { c["order"] = "ten" }, "order"},
		{"blocks not a list", func(c map[string]any) { c["blocks"] = "nope" }, "blocks"},
		{"empty blocks", func(c map[string]any) { c["blocks"] = []any{} }, "blocks"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chapter := validChapter()
			tc.mutate(chapter)
			issues := v.Validate(chapter)
			require.NotEmpty(t, issues)
			assert.Equal(t, tc.path, issues[0].Path)
		})
	}
}

func TestValidate_NilChapter(t *testing.T) {
	issues := NewValidator().Validate(nil)
	require.Len(t, issues, 1)
}

func TestValidate_UnknownBlockType(t *testing.T) {
	chapter := validChapter()
	chapter["blocks"] = []any{map[string]any{"type": "hologram"}}

	issues := NewValidator().Validate(chapter)
	require.Len(t, issues, 1)
	assert.Equal(t, "blocks[0].type", issues[0].Path)
}

func TestValidate_PathAnnotation(t *testing.T) {
	chapter := validChapter()
	chapter["blocks"] = []any{
		map[string]any{"type": "hr"},
		map[string]any{"type": "hr"},
		map[string]any{"type": "hr"},
		map[string]any{
			"type": "paragraph",
			"inlines": []any{
				map[string]any{"text": "ok"},
				map[string]any{
					"text":  "marked",
					"marks": []any{map[string]any{"type": "blink"}},
				},
			},
		},
	}

	issues := NewValidator().Validate(chapter)
	require.Len(t, issues, 1)
	assert.Equal(t, "blocks[3].inlines[1].marks[0].type", issues[0].Path)
}

func TestValidate_Heading(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name  string
		block map[string]any
		ok    bool
	}{
		{"valid", map[string]any{"type": "heading", "level": float64(1), "text": "t"}, true},
		{"missing level", map[string]any{"type": "heading", "text": "t"}, false},
		{"level out of range", map[string]any{"type": "heading", "level": float64(7), "text": "t"}, false},
		{"no text no inlines", map[string]any{"type": "heading", "level": float64(2)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chapter := validChapter()
			chapter["blocks"] = []any{tc.block}
			issues := v.Validate(chapter)
			if tc.ok {
				assert.Empty(t, issues)
			} else {
				assert.NotEmpty(t, issues)
			}
		})
	}
}

func TestValidate_ListConstraints(t *testing.T) {
	v := NewValidator()

	valid := map[string]any{
		"type":     "list",
		"listType": "bullet",
		"items": []any{
			[]any{map[string]any{"type": "paragraph", "text": "第一项"}},
			[]any{map[string]any{"type": "paragraph", "text": "第二项"}},
		},
	}
	chapter := validChapter()
	chapter["blocks"] = []any{valid}
	assert.Empty(t, v.Validate(chapter))

	t.Run("bad listType", func(t *testing.T) {
		bad := map[string]any{"type": "list", "listType": "roman", "items": valid["items"]}
		chapter := validChapter()
		chapter["blocks"] = []any{bad}
		issues := v.Validate(chapter)
		require.NotEmpty(t, issues)
		assert.Equal(t, "blocks[0].listType", issues[0].Path)
	})

	t.Run("items not nested lists", func(t *testing.T) {
		bad := map[string]any{
			"type":     "list",
			"listType": "ordered",
			"items":    []any{map[string]any{"type": "paragraph", "text": "flat"}},
		}
		chapter := validChapter()
		chapter["blocks"] = []any{bad}
		issues := v.Validate(chapter)
		require.NotEmpty(t, issues)
		assert.Equal(t, "blocks[0].items[0]", issues[0].Path)
	})
}

func TestValidate_SwotImpactEnum(t *testing.T) {
	swot := func(impact string) map[string]any {
		entry := []any{map[string]any{"text": "份额领先", "impact": impact}}
		return map[string]any{
			"type":          "swotTable",
			"strengths":     entry,
			"weaknesses":    entry,
			"opportunities": entry,
			"threats":       entry,
		}
	}

	v := NewValidator()
	for _, impact := range []string{"低", "中低", "中", "中高", "高", "极高"} {
		chapter := validChapter()
		chapter["blocks"] = []any{swot(impact)}
		assert.Empty(t, v.Validate(chapter), "impact %s should be accepted", impact)
	}

	chapter := validChapter()
	chapter["blocks"] = []any{swot("超高")}
	issues := v.Validate(chapter)
	require.NotEmpty(t, issues)
	assert.Equal(t, "blocks[0].strengths[0].impact", issues[0].Path)
}

func TestValidate_PestRequiresAllQuadrants(t *testing.T) {
	chapter := validChapter()
	chapter["blocks"] = []any{map[string]any{
		"type":      "pestTable",
		"political": []any{map[string]any{"text": "监管趋严", "impact": "高"}},
	}}

	issues := NewValidator().Validate(chapter)
	paths := make([]string, 0, len(issues))
	for _, issue := range issues {
		paths = append(paths, issue.Path)
	}
	assert.Contains(t, paths, "blocks[0].economic")
	assert.Contains(t, paths, "blocks[0].social")
	assert.Contains(t, paths, "blocks[0].technological")
}

func TestValidate_CalloutTone(t *testing.T) {
	callout := func(tone string) map[string]any {
		return map[string]any{
			"type":   "callout",
			"tone":   tone,
			"blocks": []any{map[string]any{"type": "paragraph", "text": "注意"}},
		}
	}
	v := NewValidator()

	for _, tone := range []string{"info", "warning", "success", "danger"} {
		chapter := validChapter()
		chapter["blocks"] = []any{callout(tone)}
		assert.Empty(t, v.Validate(chapter))
	}

	chapter := validChapter()
	chapter["blocks"] = []any{callout("loud")}
	issues := v.Validate(chapter)
	require.NotEmpty(t, issues)
	assert.Equal(t, "blocks[0].tone", issues[0].Path)
}

func TestValidate_EngineQuote(t *testing.T) {
	v := NewValidator()
	for _, engine := range []string{"insight", "media", "query"} {
		chapter := validChapter()
		chapter["blocks"] = []any{map[string]any{"type": "engineQuote", "engine": engine, "text": "观点"}}
		assert.Empty(t, v.Validate(chapter))
	}

	chapter := validChapter()
	chapter["blocks"] = []any{map[string]any{"type": "engineQuote", "engine": "oracle", "text": "观点"}}
	issues := v.Validate(chapter)
	require.NotEmpty(t, issues)
	assert.Equal(t, "blocks[0].engine", issues[0].Path)
}

func TestValidate_KpiGrid(t *testing.T) {
	v := NewValidator()

	chapter := validChapter()
	chapter["blocks"] = []any{map[string]any{
		"type": "kpiGrid",
		"items": []any{
			map[string]any{"label": "声量", "value": "1.2万"},
			map[string]any{"label": "情感指数", "value": float64(72)},
		},
	}}
	assert.Empty(t, v.Validate(chapter))

	chapter = validChapter()
	chapter["blocks"] = []any{map[string]any{
		"type":  "kpiGrid",
		"items": []any{map[string]any{"value": "1.2万"}},
	}}
	issues := v.Validate(chapter)
	require.NotEmpty(t, issues)
	assert.Equal(t, "blocks[0].items[0].label", issues[0].Path)
}

func TestValidate_LinkMarkRequiresHref(t *testing.T) {
	chapter := validChapter()
	chapter["blocks"] = []any{map[string]any{
		"type": "paragraph",
		"inlines": []any{map[string]any{
			"text":  "来源",
			"marks": []any{map[string]any{"type": "link"}},
		}},
	}}

	issues := NewValidator().Validate(chapter)
	require.NotEmpty(t, issues)
	assert.Equal(t, "blocks[0].inlines[0].marks[0].href", issues[0].Path)
}

func TestValidate_BareStringMarks(t *testing.T) {
	chapter := validChapter()
	chapter["blocks"] = []any{map[string]any{
		"type": "paragraph",
		"inlines": []any{map[string]any{
			"text":  "强调",
			"marks": []any{"bold", "italic"},
		}},
	}}
	assert.Empty(t, NewValidator().Validate(chapter))
}

func TestValidate_SimpleBlocks(t *testing.T) {
	v := NewValidator()
	blocks := []map[string]any{
		{"type": "hr"},
		{"type": "toc"},
		{"type": "code", "text": "SELECT 1"},
		{"type": "math", "tex": "E = mc^2"},
		{"type": "figure", "src": "assets/trend.png"},
		{"type": "table", "headers": []any{"平台", "声量"}, "rows": []any{[]any{"微博", "8千"}}},
		{"type": "blockquote", "blocks": []any{map[string]any{"type": "paragraph", "text": "引述"}}},
		{"type": "widget", "widget": "sentiment-gauge"},
	}
	for _, block := range blocks {
		chapter := validChapter()
		chapter["blocks"] = []any{block}
		assert.Empty(t, v.Validate(chapter), "block type %v", block["type"])
	}
}
