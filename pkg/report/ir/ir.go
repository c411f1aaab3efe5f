// Package ir defines the intermediate representation of a generated report:
// the closed block and mark vocabularies, the structural validator applied to
// every LLM-produced chapter, and the composer that stitches validated
// chapters into a final document.
package ir

// Version identifies the document IR schema emitted by the Composer.
const Version = "1.0"

// BlockTypes is the closed set of structural elements a chapter may contain.
var BlockTypes = map[string]bool{
	"heading":     true,
	"paragraph":   true,
	"list":        true,
	"table":       true,
	"swotTable":   true,
	"pestTable":   true,
	"blockquote":  true,
	"engineQuote": true,
	"callout":     true,
	"kpiGrid":     true,
	"widget":      true,
	"code":        true,
	"math":        true,
	"figure":      true,
	"hr":          true,
	"toc":         true,
}

// MarkTypes is the closed set of inline text decorations.
var MarkTypes = map[string]bool{
	"bold":        true,
	"italic":      true,
	"underline":   true,
	"strike":      true,
	"code":        true,
	"link":        true,
	"color":       true,
	"font":        true,
	"highlight":   true,
	"subscript":   true,
	"superscript": true,
	"math":        true,
}

// ImpactLevels constrains the impact rating inside SWOT and PEST entries.
var ImpactLevels = map[string]bool{
	"低":  true,
	"中低": true,
	"中":  true,
	"中高": true,
	"高":  true,
	"极高": true,
}

// CalloutTones constrains callout styling.
var CalloutTones = map[string]bool{
	"info":    true,
	"warning": true,
	"success": true,
	"danger":  true,
}

// ListTypes constrains the list rendering style.
var ListTypes = map[string]bool{
	"ordered": true,
	"bullet":  true,
	"task":    true,
}

// EngineQuoteTitles is the fixed display title for each engine attribution.
var EngineQuoteTitles = map[string]string{
	"insight": "洞察引擎",
	"media":   "媒体引擎",
	"query":   "查询引擎",
}

// Document is the final stitched report IR.
type Document struct {
	Version     string           `json:"version"`
	ReportID    string           `json:"reportId"`
	Metadata    map[string]any   `json:"metadata"`
	ThemeTokens map[string]any   `json:"themeTokens,omitempty"`
	Chapters    []map[string]any `json:"chapters"`
	Assets      map[string]any   `json:"assets,omitempty"`
}
