// Package template parses Markdown report templates into ordered sections
// and manages the named template registry used by the report pipeline.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// Section is one chapter-sized slice of a report template.
type Section struct {
	ChapterID string   `json:"chapterId"`
	Title     string   `json:"title"`
	Slug      string   `json:"slug"`
	Order     int      `json:"order"`
	Depth     int      `json:"depth"`
	Number    string   `json:"number"`
	Outline   []string `json:"outline,omitempty"`
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)
	bulletRe  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.+?)\s*$`)
	numberRe  = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.\s、]\s*`)
	slugDrop  = regexp.MustCompile(`[^a-z0-9\p{Han}_-]+`)
)

// Parse slices a Markdown template into sections. Every heading opens a new
// section with a monotonically increasing order (10, 20, ...); bullet and
// numbered lines below a heading become its outline. Slugs are globally
// unique within the parse.
func Parse(markdown string) []Section {
	var sections []Section
	usedSlugs := make(map[string]bool)

	for _, line := range strings.Split(markdown, "\n") {
		if match := headingRe.FindStringSubmatch(line); match != nil {
			depth := len(match[1])
			title := strings.TrimSpace(match[2])
			number := ""
			if numMatch := numberRe.FindStringSubmatch(title); numMatch != nil {
				number = numMatch[1]
			}
			index := len(sections)
			sections = append(sections, Section{
				ChapterID: fmt.Sprintf("S%d", index+1),
				Title:     title,
				Slug:      uniqueSlug(Slugify(title), usedSlugs),
				Order:     (index + 1) * 10,
				Depth:     depth,
				Number:    number,
			})
			continue
		}
		if len(sections) == 0 {
			continue
		}
		if match := bulletRe.FindStringSubmatch(line); match != nil {
			last := &sections[len(sections)-1]
			last.Outline = append(last.Outline, strings.TrimSpace(match[1]))
		}
	}
	return sections
}

// Builtin is the fallback template used when selection or slicing fails: a
// single comprehensive-analysis section.
func Builtin() []Section {
	return []Section{{
		ChapterID: "S1",
		Title:     "1.0 综合分析",
		Slug:      "section-1-0",
		Order:     10,
		Depth:     1,
		Number:    "1.0",
	}}
}

// BuiltinContent is the raw Markdown of the builtin fallback template.
const BuiltinContent = "# 1.0 综合分析\n\n- 舆情概况与总体态势\n- 关键事件与传播路径\n- 风险研判与建议\n"

// Slugify lowercases the title and keeps letters, digits, CJK characters,
// dashes and underscores. Empty results fall back to "section".
func Slugify(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, ".", "-")
	slug = slugDrop.ReplaceAllString(slug, "")
	slug = strings.Trim(collapseDashes(slug), "-")
	if slug == "" {
		return "section"
	}
	return slug
}

func collapseDashes(s string) string {
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}

func uniqueSlug(slug string, used map[string]bool) string {
	candidate := slug
	for suffix := 2; used[candidate]; suffix++ {
		candidate = fmt.Sprintf("%s-%d", slug, suffix)
	}
	used[candidate] = true
	return candidate
}
