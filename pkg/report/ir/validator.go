package ir

import "fmt"

// Issue is a single structural problem found in a chapter payload. Path pins
// the offending element, e.g. "blocks[3].inlines[1].marks[0].type".
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Validator performs structural validation of chapter payloads against the
// block schema. It checks shape, required keys, and closed enums only;
// content quality is out of scope.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks one chapter payload. An empty result means the chapter is
// structurally sound.
func (v *Validator) Validate(chapter map[string]any) []Issue {
	var issues []Issue

	if chapter == nil {
		return []Issue{{Path: "", Message: "chapter payload is not an object"}}
	}
	if title, ok := chapter["title"].(string); !ok || title == "" {
		issues = append(issues, Issue{Path: "title", Message: "missing or empty title"})
	}
	if order, present := chapter["order"]; present && !isNumber(order) {
		issues = append(issues, Issue{Path: "order", Message: "order must be numeric"})
	}

	blocks, ok := chapter["blocks"].([]any)
	if !ok {
		issues = append(issues, Issue{Path: "blocks", Message: "blocks must be a list"})
		return issues
	}
	if len(blocks) == 0 {
		issues = append(issues, Issue{Path: "blocks", Message: "blocks must not be empty"})
		return issues
	}
	for i, raw := range blocks {
		issues = append(issues, v.validateBlock(raw, fmt.Sprintf("blocks[%d]", i))...)
	}
	return issues
}

// blockValidators dispatches per block type. Types without an entry need no
// fields beyond "type".
var blockValidators map[string]func(*Validator, map[string]any, string) []Issue

func init() {
	blockValidators = map[string]func(*Validator, map[string]any, string) []Issue{
		"heading":     (*Validator).validateHeading,
		"paragraph":   (*Validator).validateParagraph,
		"list":        (*Validator).validateList,
		"table":       (*Validator).validateTable,
		"swotTable":   (*Validator).validateSwotTable,
		"pestTable":   (*Validator).validatePestTable,
		"blockquote":  (*Validator).validateNestedBlocks,
		"engineQuote": (*Validator).validateEngineQuote,
		"callout":     (*Validator).validateCallout,
		"kpiGrid":     (*Validator).validateKpiGrid,
		"widget":      (*Validator).validateWidget,
		"code":        (*Validator).validateCode,
		"math":        (*Validator).validateMath,
		"figure":      (*Validator).validateFigure,
	}
}

func (v *Validator) validateBlock(raw any, path string) []Issue {
	block, ok := raw.(map[string]any)
	if !ok {
		return []Issue{{Path: path, Message: "block must be an object"}}
	}
	blockType, _ := block["type"].(string)
	if blockType == "" {
		return []Issue{{Path: path + ".type", Message: "missing block type"}}
	}
	if !BlockTypes[blockType] {
		return []Issue{{Path: path + ".type", Message: fmt.Sprintf("unknown block type %q", blockType)}}
	}
	if fn, ok := blockValidators[blockType]; ok {
		return fn(v, block, path)
	}
	return nil
}

func (v *Validator) validateHeading(block map[string]any, path string) []Issue {
	var issues []Issue
	level, present := block["level"]
	if !present {
		issues = append(issues, Issue{Path: path + ".level", Message: "heading requires level"})
	} else if n, ok := asInt(level); !ok || n < 1 || n > 6 {
		issues = append(issues, Issue{Path: path + ".level", Message: "heading level must be 1..6"})
	}
	issues = append(issues, v.validateInlines(block, path)...)
	return issues
}

func (v *Validator) validateParagraph(block map[string]any, path string) []Issue {
	return v.validateInlines(block, path)
}

// validateInlines accepts either a plain "text" string or an "inlines" list
// of marked runs.
func (v *Validator) validateInlines(block map[string]any, path string) []Issue {
	if text, ok := block["text"].(string); ok && text != "" {
		return nil
	}
	inlines, ok := block["inlines"].([]any)
	if !ok || len(inlines) == 0 {
		return []Issue{{Path: path, Message: "requires text or a non-empty inlines list"}}
	}

	var issues []Issue
	for i, raw := range inlines {
		inlinePath := fmt.Sprintf("%s.inlines[%d]", path, i)
		inline, ok := raw.(map[string]any)
		if !ok {
			issues = append(issues, Issue{Path: inlinePath, Message: "inline must be an object"})
			continue
		}
		if _, ok := inline["text"].(string); !ok {
			issues = append(issues, Issue{Path: inlinePath + ".text", Message: "inline requires text"})
		}
		marks, present := inline["marks"]
		if !present {
			continue
		}
		markList, ok := marks.([]any)
		if !ok {
			issues = append(issues, Issue{Path: inlinePath + ".marks", Message: "marks must be a list"})
			continue
		}
		for j, rawMark := range markList {
			issues = append(issues, v.validateMark(rawMark, fmt.Sprintf("%s.marks[%d]", inlinePath, j))...)
		}
	}
	return issues
}

func (v *Validator) validateMark(raw any, path string) []Issue {
	mark, ok := raw.(map[string]any)
	if !ok {
		// A bare string mark like "bold" is tolerated.
		if name, ok := raw.(string); ok {
			if !MarkTypes[name] {
				return []Issue{{Path: path, Message: fmt.Sprintf("unknown mark %q", name)}}
			}
			return nil
		}
		return []Issue{{Path: path, Message: "mark must be an object or a mark name"}}
	}
	markType, _ := mark["type"].(string)
	if !MarkTypes[markType] {
		return []Issue{{Path: path + ".type", Message: fmt.Sprintf("unknown mark type %q", markType)}}
	}
	if markType == "link" {
		if href, ok := mark["href"].(string); !ok || href == "" {
			return []Issue{{Path: path + ".href", Message: "link mark requires href"}}
		}
	}
	return nil
}

func (v *Validator) validateList(block map[string]any, path string) []Issue {
	var issues []Issue
	listType, _ := block["listType"].(string)
	if !ListTypes[listType] {
		issues = append(issues, Issue{Path: path + ".listType", Message: fmt.Sprintf("listType must be ordered, bullet, or task, got %q", listType)})
	}
	items, ok := block["items"].([]any)
	if !ok || len(items) == 0 {
		issues = append(issues, Issue{Path: path + ".items", Message: "list requires a non-empty items list"})
		return issues
	}
	// Each item is itself a list of blocks.
	for i, rawItem := range items {
		itemPath := fmt.Sprintf("%s.items[%d]", path, i)
		item, ok := rawItem.([]any)
		if !ok {
			issues = append(issues, Issue{Path: itemPath, Message: "list item must be a list of blocks"})
			continue
		}
		for j, rawBlock := range item {
			issues = append(issues, v.validateBlock(rawBlock, fmt.Sprintf("%s[%d]", itemPath, j))...)
		}
	}
	return issues
}

func (v *Validator) validateTable(block map[string]any, path string) []Issue {
	var issues []Issue
	rows, ok := block["rows"].([]any)
	if !ok || len(rows) == 0 {
		return append(issues, Issue{Path: path + ".rows", Message: "table requires a non-empty rows list"})
	}
	for i, rawRow := range rows {
		if _, ok := rawRow.([]any); !ok {
			issues = append(issues, Issue{Path: fmt.Sprintf("%s.rows[%d]", path, i), Message: "table row must be a list of cells"})
		}
	}
	if headers, present := block["headers"]; present {
		if _, ok := headers.([]any); !ok {
			issues = append(issues, Issue{Path: path + ".headers", Message: "headers must be a list"})
		}
	}
	return issues
}

var swotQuadrants = []string{"strengths", "weaknesses", "opportunities", "threats"}
var pestQuadrants = []string{"political", "economic", "social", "technological"}

func (v *Validator) validateSwotTable(block map[string]any, path string) []Issue {
	return v.validateQuadrants(block, path, swotQuadrants)
}

func (v *Validator) validatePestTable(block map[string]any, path string) []Issue {
	return v.validateQuadrants(block, path, pestQuadrants)
}

func (v *Validator) validateQuadrants(block map[string]any, path string, quadrants []string) []Issue {
	var issues []Issue
	for _, quadrant := range quadrants {
		entries, ok := block[quadrant].([]any)
		if !ok {
			issues = append(issues, Issue{Path: path + "." + quadrant, Message: "requires an entry list"})
			continue
		}
		for i, rawEntry := range entries {
			entryPath := fmt.Sprintf("%s.%s[%d]", path, quadrant, i)
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				issues = append(issues, Issue{Path: entryPath, Message: "entry must be an object"})
				continue
			}
			if text, ok := entry["text"].(string); !ok || text == "" {
				issues = append(issues, Issue{Path: entryPath + ".text", Message: "entry requires text"})
			}
			if impact, _ := entry["impact"].(string); !ImpactLevels[impact] {
				issues = append(issues, Issue{Path: entryPath + ".impact", Message: fmt.Sprintf("impact must be one of 低/中低/中/中高/高/极高, got %q", impact)})
			}
		}
	}
	return issues
}

func (v *Validator) validateNestedBlocks(block map[string]any, path string) []Issue {
	blocks, ok := block["blocks"].([]any)
	if !ok || len(blocks) == 0 {
		return []Issue{{Path: path + ".blocks", Message: "requires a non-empty nested blocks list"}}
	}
	var issues []Issue
	for i, raw := range blocks {
		issues = append(issues, v.validateBlock(raw, fmt.Sprintf("%s.blocks[%d]", path, i))...)
	}
	return issues
}

func (v *Validator) validateEngineQuote(block map[string]any, path string) []Issue {
	var issues []Issue
	engine, _ := block["engine"].(string)
	if _, ok := EngineQuoteTitles[engine]; !ok {
		issues = append(issues, Issue{Path: path + ".engine", Message: fmt.Sprintf("engine must be insight, media, or query, got %q", engine)})
	}
	issues = append(issues, v.validateInlines(block, path)...)
	return issues
}

func (v *Validator) validateCallout(block map[string]any, path string) []Issue {
	var issues []Issue
	tone, _ := block["tone"].(string)
	if !CalloutTones[tone] {
		issues = append(issues, Issue{Path: path + ".tone", Message: fmt.Sprintf("tone must be info, warning, success, or danger, got %q", tone)})
	}
	issues = append(issues, v.validateNestedBlocks(block, path)...)
	return issues
}

func (v *Validator) validateKpiGrid(block map[string]any, path string) []Issue {
	items, ok := block["items"].([]any)
	if !ok || len(items) == 0 {
		return []Issue{{Path: path + ".items", Message: "kpiGrid requires a non-empty items list"}}
	}
	var issues []Issue
	for i, rawItem := range items {
		itemPath := fmt.Sprintf("%s.items[%d]", path, i)
		item, ok := rawItem.(map[string]any)
		if !ok {
			issues = append(issues, Issue{Path: itemPath, Message: "item must be an object"})
			continue
		}
		if label, ok := item["label"].(string); !ok || label == "" {
			issues = append(issues, Issue{Path: itemPath + ".label", Message: "item requires label"})
		}
		if _, present := item["value"]; !present {
			issues = append(issues, Issue{Path: itemPath + ".value", Message: "item requires value"})
		}
	}
	return issues
}

func (v *Validator) validateWidget(block map[string]any, path string) []Issue {
	if name, ok := block["widget"].(string); !ok || name == "" {
		return []Issue{{Path: path + ".widget", Message: "widget requires a widget name"}}
	}
	return nil
}

func (v *Validator) validateCode(block map[string]any, path string) []Issue {
	if text, ok := block["text"].(string); !ok || text == "" {
		return []Issue{{Path: path + ".text", Message: "code requires text"}}
	}
	return nil
}

func (v *Validator) validateMath(block map[string]any, path string) []Issue {
	if tex, ok := block["tex"].(string); !ok || tex == "" {
		return []Issue{{Path: path + ".tex", Message: "math requires tex"}}
	}
	return nil
}

func (v *Validator) validateFigure(block map[string]any, path string) []Issue {
	if src, ok := block["src"].(string); !ok || src == "" {
		return []Issue{{Path: path + ".src", Message: "figure requires src"}}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
