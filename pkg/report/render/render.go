// Package render converts a Document IR into Markdown and standalone HTML.
// Visual fidelity is intentionally modest; the IR JSON remains the canonical
// artifact for richer renderers.
package render

import (
	"fmt"
	"html"
	"strings"

	"github.com/bettafish/bettafish/pkg/report/ir"
)

// Markdown renders the document as GitHub-flavored Markdown.
func Markdown(doc ir.Document) string {
	var b strings.Builder
	if title, ok := doc.Metadata["title"].(string); ok && title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if subtitle, ok := doc.Metadata["subtitle"].(string); ok && subtitle != "" {
		fmt.Fprintf(&b, "*%s*\n\n", subtitle)
	}
	for _, chapter := range doc.Chapters {
		blocks, _ := chapter["blocks"].([]any)
		for _, raw := range blocks {
			if block, ok := raw.(map[string]any); ok {
				writeMarkdownBlock(&b, block, 0)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeMarkdownBlock(b *strings.Builder, block map[string]any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch block["type"] {
	case "heading":
		level := 2
		if n, ok := block["level"].(float64); ok {
			level = int(n)
		}
		fmt.Fprintf(b, "%s %s\n\n", strings.Repeat("#", level), inlineText(block))
	case "paragraph":
		fmt.Fprintf(b, "%s%s\n\n", indent, inlineText(block))
	case "list":
		ordered := block["listType"] == "ordered"
		items, _ := block["items"].([]any)
		for i, rawItem := range items {
			marker := "-"
			if ordered {
				marker = fmt.Sprintf("%d.", i+1)
			}
			item, _ := rawItem.([]any)
			fmt.Fprintf(b, "%s%s %s\n", indent, marker, flattenBlocks(item))
		}
		b.WriteString("\n")
	case "table":
		writeMarkdownTable(b, block)
	case "swotTable":
		writeQuadrantMarkdown(b, block, [][2]string{
			{"strengths", "优势"}, {"weaknesses", "劣势"},
			{"opportunities", "机会"}, {"threats", "威胁"},
		})
	case "pestTable":
		writeQuadrantMarkdown(b, block, [][2]string{
			{"political", "政治"}, {"economic", "经济"},
			{"social", "社会"}, {"technological", "技术"},
		})
	case "blockquote":
		nested, _ := block["blocks"].([]any)
		fmt.Fprintf(b, "> %s\n\n", flattenBlocks(nested))
	case "engineQuote":
		engine, _ := block["engine"].(string)
		fmt.Fprintf(b, "> **%s**:%s\n\n", ir.EngineQuoteTitles[engine], inlineText(block))
	case "callout":
		nested, _ := block["blocks"].([]any)
		fmt.Fprintf(b, "> [%v] %s\n\n", block["tone"], flattenBlocks(nested))
	case "kpiGrid":
		items, _ := block["items"].([]any)
		for _, rawItem := range items {
			if item, ok := rawItem.(map[string]any); ok {
				fmt.Fprintf(b, "- **%v**: %v\n", item["label"], item["value"])
			}
		}
		b.WriteString("\n")
	case "code":
		fmt.Fprintf(b, "```%v\n%v\n```\n\n", stringOr(block["language"], ""), block["text"])
	case "math":
		fmt.Fprintf(b, "$$%v$$\n\n", block["tex"])
	case "figure":
		fmt.Fprintf(b, "![%v](%v)\n\n", stringOr(block["caption"], ""), block["src"])
	case "hr":
		b.WriteString("---\n\n")
	}
}

func writeMarkdownTable(b *strings.Builder, block map[string]any) {
	headers, _ := block["headers"].([]any)
	rows, _ := block["rows"].([]any)
	if len(headers) > 0 {
		cells := make([]string, len(headers))
		seps := make([]string, len(headers))
		for i, h := range headers {
			cells[i] = fmt.Sprint(h)
			seps[i] = "---"
		}
		fmt.Fprintf(b, "| %s |\n| %s |\n", strings.Join(cells, " | "), strings.Join(seps, " | "))
	}
	for _, rawRow := range rows {
		row, _ := rawRow.([]any)
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = fmt.Sprint(cell)
		}
		fmt.Fprintf(b, "| %s |\n", strings.Join(cells, " | "))
	}
	b.WriteString("\n")
}

func writeQuadrantMarkdown(b *strings.Builder, block map[string]any, quadrants [][2]string) {
	for _, quadrant := range quadrants {
		entries, _ := block[quadrant[0]].([]any)
		fmt.Fprintf(b, "**%s**\n", quadrant[1])
		for _, rawEntry := range entries {
			if entry, ok := rawEntry.(map[string]any); ok {
				fmt.Fprintf(b, "- %v(影响:%v)\n", entry["text"], entry["impact"])
			}
		}
		b.WriteString("\n")
	}
}

// HTML renders the document as a single self-contained page.
func HTML(doc ir.Document) string {
	var b strings.Builder
	title, _ := doc.Metadata["title"].(string)
	if title == "" {
		title = doc.ReportID
	}
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html lang=\"zh\">\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n", html.EscapeString(title))
	b.WriteString("<style>body{font-family:system-ui,sans-serif;max-width:860px;margin:2rem auto;line-height:1.7;padding:0 1rem}blockquote{border-left:4px solid #ccc;margin:0;padding:0 1rem;color:#555}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 10px}.callout{border:1px solid #ddd;border-radius:6px;padding:0.5rem 1rem;margin:1rem 0}.sparse{color:#888;font-style:italic}</style>\n</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))
	if subtitle, ok := doc.Metadata["subtitle"].(string); ok && subtitle != "" {
		fmt.Fprintf(&b, "<p><em>%s</em></p>\n", html.EscapeString(subtitle))
	}
	for _, chapter := range doc.Chapters {
		anchor, _ := chapter["anchor"].(string)
		fmt.Fprintf(&b, "<section id=%q>\n", anchor)
		blocks, _ := chapter["blocks"].([]any)
		for _, raw := range blocks {
			if block, ok := raw.(map[string]any); ok {
				writeHTMLBlock(&b, block)
			}
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func writeHTMLBlock(b *strings.Builder, block map[string]any) {
	switch block["type"] {
	case "heading":
		level := 2
		if n, ok := block["level"].(float64); ok && n >= 1 && n <= 6 {
			level = int(n)
		}
		fmt.Fprintf(b, "<h%d>%s</h%d>\n", level, html.EscapeString(inlineText(block)), level)
	case "paragraph":
		fmt.Fprintf(b, "<p>%s</p>\n", inlineHTML(block))
	case "list":
		tag := "ul"
		if block["listType"] == "ordered" {
			tag = "ol"
		}
		fmt.Fprintf(b, "<%s>\n", tag)
		items, _ := block["items"].([]any)
		for _, rawItem := range items {
			item, _ := rawItem.([]any)
			fmt.Fprintf(b, "<li>%s</li>\n", html.EscapeString(flattenBlocks(item)))
		}
		fmt.Fprintf(b, "</%s>\n", tag)
	case "table":
		b.WriteString("<table>\n")
		if headers, ok := block["headers"].([]any); ok && len(headers) > 0 {
			b.WriteString("<tr>")
			for _, h := range headers {
				fmt.Fprintf(b, "<th>%s</th>", html.EscapeString(fmt.Sprint(h)))
			}
			b.WriteString("</tr>\n")
		}
		rows, _ := block["rows"].([]any)
		for _, rawRow := range rows {
			row, _ := rawRow.([]any)
			b.WriteString("<tr>")
			for _, cell := range row {
				fmt.Fprintf(b, "<td>%s</td>", html.EscapeString(fmt.Sprint(cell)))
			}
			b.WriteString("</tr>\n")
		}
		b.WriteString("</table>\n")
	case "blockquote", "engineQuote", "callout":
		class := ""
		if block["type"] == "callout" {
			class = fmt.Sprintf(" class=\"callout %v\"", block["tone"])
		}
		fmt.Fprintf(b, "<blockquote%s>", class)
		if engine, ok := block["engine"].(string); ok {
			fmt.Fprintf(b, "<strong>%s</strong>:", html.EscapeString(ir.EngineQuoteTitles[engine]))
		}
		if nested, ok := block["blocks"].([]any); ok {
			b.WriteString(html.EscapeString(flattenBlocks(nested)))
		} else {
			b.WriteString(inlineHTML(block))
		}
		b.WriteString("</blockquote>\n")
	case "kpiGrid":
		b.WriteString("<ul>\n")
		items, _ := block["items"].([]any)
		for _, rawItem := range items {
			if item, ok := rawItem.(map[string]any); ok {
				fmt.Fprintf(b, "<li><strong>%s</strong>: %s</li>\n",
					html.EscapeString(fmt.Sprint(item["label"])),
					html.EscapeString(fmt.Sprint(item["value"])))
			}
		}
		b.WriteString("</ul>\n")
	case "code":
		fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", html.EscapeString(fmt.Sprint(block["text"])))
	case "hr":
		b.WriteString("<hr>\n")
	case "figure":
		fmt.Fprintf(b, "<figure><img src=%q alt=\"\"><figcaption>%s</figcaption></figure>\n",
			fmt.Sprint(block["src"]), html.EscapeString(stringOr(block["caption"], "")))
	default:
		// swotTable, pestTable, math, widget, toc render through the
		// Markdown path semantics as plain paragraphs.
		text := inlineText(block)
		if text != "" {
			fmt.Fprintf(b, "<p>%s</p>\n", html.EscapeString(text))
		}
	}
}

// inlineText concatenates the plain text of a block's text/inlines fields.
func inlineText(block map[string]any) string {
	if text, ok := block["text"].(string); ok && text != "" {
		return text
	}
	inlines, _ := block["inlines"].([]any)
	var b strings.Builder
	for _, raw := range inlines {
		if inline, ok := raw.(map[string]any); ok {
			if text, ok := inline["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

// inlineHTML renders inline runs with bold/italic/code marks; other marks
// degrade to plain text.
func inlineHTML(block map[string]any) string {
	if text, ok := block["text"].(string); ok && text != "" {
		return html.EscapeString(text)
	}
	inlines, _ := block["inlines"].([]any)
	var b strings.Builder
	for _, raw := range inlines {
		inline, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text, _ := inline["text"].(string)
		escaped := html.EscapeString(text)
		for _, mark := range markNames(inline["marks"]) {
			switch mark {
			case "bold":
				escaped = "<strong>" + escaped + "</strong>"
			case "italic":
				escaped = "<em>" + escaped + "</em>"
			case "code":
				escaped = "<code>" + escaped + "</code>"
			}
		}
		b.WriteString(escaped)
	}
	return b.String()
}

func markNames(raw any) []string {
	marks, _ := raw.([]any)
	var names []string
	for _, mark := range marks {
		switch m := mark.(type) {
		case string:
			names = append(names, m)
		case map[string]any:
			if name, ok := m["type"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func flattenBlocks(blocks []any) string {
	var parts []string
	for _, raw := range blocks {
		if block, ok := raw.(map[string]any); ok {
			if text := inlineText(block); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}
