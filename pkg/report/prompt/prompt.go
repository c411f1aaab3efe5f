// Package prompt builds the system and user prompts for each report
// pipeline stage and for the forum moderator.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bettafish/bettafish/pkg/report/template"
)

// Shared is the cross-stage generation context.
type Shared struct {
	Query        string
	Reports      []string
	ForumLog     string
	TemplateName string
	ThemeTokens  map[string]any
}

// SystemTemplateSelection instructs the model to pick a report template.
const SystemTemplateSelection = `你是舆情分析报告的模板选择助手。根据用户的查询主题,从候选模板中选择最合适的一个。
只输出JSON对象:{"templateName": "...", "selectionReason": "..."}。不要输出其他内容。`

// SystemDocumentLayout instructs the model to design the document layout.
const SystemDocumentLayout = `你是舆情分析报告的排版设计师。基于查询主题与章节结构,设计整体版式。
只输出JSON对象,包含键:title, subtitle, tagline, tocTitle, hero, themeTokens, tocPlan, layoutNotes。
tocPlan是数组,每项包含 {chapterId, anchor, display, description, allowSwot, allowPest}。
全局约束:至多一个章节 allowSwot=true,至多一个章节 allowPest=true。不要输出其他内容。`

// SystemWordBudget instructs the model to produce the word plan.
const SystemWordBudget = `你是舆情分析报告的篇幅规划师。为每个章节分配目标字数。
只输出JSON对象:{"totalWords": int, "globalGuidelines": [...], "chapters": [{"chapterId", "targetWords", "minWords", "maxWords", "emphasis", "rationale"}]}。
不要输出其他内容。`

// SystemChapterGeneration instructs the model to generate one chapter as IR.
const SystemChapterGeneration = `你是舆情分析报告的章节撰写者。基于三个引擎的分析结果与论坛讨论记录,生成本章节的结构化内容。
只输出一个JSON对象:{"chapterId", "title", "anchor", "order", "blocks": [...]}。
blocks中每个元素必须带type字段,type取值限于:heading, paragraph, list, table, swotTable, pestTable, blockquote, engineQuote, callout, kpiGrid, widget, code, math, figure, hr, toc。
除非本章节明确允许,否则不要使用swotTable或pestTable。不要输出JSON以外的任何内容。`

// SystemChapterJSONRecovery is the rescue contract: repair a failed chapter
// payload into valid chapter JSON without inventing new content.
const SystemChapterJSONRecovery = `你是JSON修复助手。给定一段无法解析的章节生成输出,将其修复为符合章节结构的合法JSON对象:{"chapterId", "title", "anchor", "order", "blocks": [...]}。
尽量保留原始内容,不要新增事实。只输出修复后的JSON对象,不要输出解释。`

// SystemForumModerator instructs the host LLM to summarize forum entries.
const SystemForumModerator = `你是舆情分析论坛的主持人。根据最近几条引擎发言,给出一段简短的主持评论:归纳共识、指出分歧、提出下一步值得关注的问题。
输出一段纯文本,不超过200字。`

// TemplateSelection builds the stage 1 user prompt.
func TemplateSelection(query string, candidates []template.Entry, customTemplate string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "查询主题:%s\n\n候选模板:\n", query)
	for _, entry := range candidates {
		fmt.Fprintf(&b, "- %s:%s\n", entry.Name, entry.Description)
	}
	if customTemplate != "" {
		b.WriteString("\n用户提供了自定义模板,若合适可直接采用(templateName填custom)。\n")
	}
	return b.String()
}

// DocumentLayout builds the stage 3 user prompt.
func DocumentLayout(shared Shared, sections []template.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "查询主题:%s\n模板:%s\n\n章节结构:\n", shared.Query, shared.TemplateName)
	for _, section := range sections {
		fmt.Fprintf(&b, "- %s(chapterId=%s, order=%d)\n", section.Title, section.ChapterID, section.Order)
	}
	writeContext(&b, shared)
	return b.String()
}

// WordBudget builds the stage 4 user prompt.
func WordBudget(shared Shared, sections []template.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "查询主题:%s\n\n为以下章节分配字数:\n", shared.Query)
	for _, section := range sections {
		fmt.Fprintf(&b, "- %s(chapterId=%s)\n", section.Title, section.ChapterID)
	}
	return b.String()
}

// ChapterDirective carries the per-chapter plan from the word budget stage.
type ChapterDirective struct {
	Directive map[string]any
	AllowSwot bool
	AllowPest bool
}

// Chapter builds the stage 5 user prompt for one section.
func Chapter(shared Shared, section template.Section, directive ChapterDirective) string {
	var b strings.Builder
	fmt.Fprintf(&b, "查询主题:%s\n\n当前章节:%s(chapterId=%s, order=%d)\n",
		shared.Query, section.Title, section.ChapterID, section.Order)
	if len(section.Outline) > 0 {
		b.WriteString("章节大纲:\n")
		for _, item := range section.Outline {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if directive.Directive != nil {
		if data, err := json.Marshal(directive.Directive); err == nil {
			fmt.Fprintf(&b, "\n篇幅要求:%s\n", data)
		}
	}
	fmt.Fprintf(&b, "\n本章节允许swotTable:%t;允许pestTable:%t\n", directive.AllowSwot, directive.AllowPest)
	writeContext(&b, shared)
	return b.String()
}

// ChapterJSONRecovery builds the rescue user prompt from the raw failed
// output plus the original generation payload.
func ChapterJSONRecovery(rawFailed, generationPayload, sectionTitle string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "章节:%s\n\n原始生成任务:\n%s\n\n无法解析的输出:\n%s\n",
		sectionTitle, generationPayload, rawFailed)
	return b.String()
}

// ForumModerator builds the host prompt from the oldest buffered entries.
func ForumModerator(entries []string) string {
	var b strings.Builder
	b.WriteString("最近的引擎发言:\n")
	for i, entry := range entries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, entry)
	}
	return b.String()
}

func writeContext(b *strings.Builder, shared Shared) {
	labels := []string{"查询引擎报告", "媒体引擎报告", "洞察引擎报告"}
	for i, report := range shared.Reports {
		label := "引擎报告"
		if i < len(labels) {
			label = labels[i]
		}
		fmt.Fprintf(b, "\n【%s】\n%s\n", label, report)
	}
	if shared.ForumLog != "" {
		fmt.Fprintf(b, "\n【论坛讨论记录】\n%s\n", shared.ForumLog)
	}
	if len(shared.ThemeTokens) > 0 {
		if data, err := json.Marshal(shared.ThemeTokens); err == nil {
			fmt.Fprintf(b, "\n【主题风格】\n%s\n", data)
		}
	}
}
