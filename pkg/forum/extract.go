package forum

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/bettafish/bettafish/pkg/jsonx"
)

// cleanedOutputMarker opens a JSON capture inside an engine log line.
const cleanedOutputMarker = "Cleaned output:"

// Timestamp prefixes appearing in engine log lines. Both the legacy bracket
// form and the structured pipeline form are stripped before concatenation.
var (
	legacyTimestampRe     = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\]\s*`)
	structuredTimestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}[.,]\d{3}\s*\|\s*\w+\s*\|\s*[^|]+? - `)
)

// stripTimestamp removes a leading legacy or structured timestamp prefix.
func stripTimestamp(line string) string {
	if stripped := structuredTimestampRe.ReplaceAllString(line, ""); stripped != line {
		return stripped
	}
	return legacyTimestampRe.ReplaceAllString(line, "")
}

// extractJSONContent reassembles a captured JSON burst and pulls out the
// statement text. The first line is sliced from the opening brace after the
// cleaned-output marker; subsequent lines lose their timestamp prefixes.
// Preferred keys: updated_paragraph_latest_state, then
// paragraph_latest_state; any other object is returned serialized.
func extractJSONContent(lines []string) (string, bool) {
	if len(lines) == 0 {
		return "", false
	}

	first := lines[0]
	if idx := strings.Index(first, cleanedOutputMarker); idx >= 0 {
		first = first[idx+len(cleanedOutputMarker):]
	}
	if brace := strings.IndexAny(first, "{["); brace >= 0 {
		first = first[brace:]
	}

	parts := []string{first}
	for _, line := range lines[1:] {
		parts = append(parts, stripTimestamp(line))
	}

	value, err := jsonx.Parse(strings.Join(parts, "\n"), jsonx.Options{Context: "forum_extract"})
	if err != nil {
		return "", false
	}

	obj, ok := value.(map[string]any)
	if !ok {
		data, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
	for _, key := range []string{"updated_paragraph_latest_state", "paragraph_latest_state"} {
		if text, ok := obj[key].(string); ok && text != "" {
			return text, true
		}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// captureClosed reports whether a stripped line looks like the end of a
// multi-line JSON burst.
func captureClosed(line string) bool {
	trimmed := strings.TrimSpace(stripTimestamp(line))
	return trimmed == "}" || trimmed == "] }" || trimmed == "]}" ||
		strings.HasSuffix(trimmed, "}") && !strings.Contains(trimmed, "{")
}

// endsWithCloser reports whether the line's payload ends with a closing
// bracket, i.e. a single-line JSON candidate.
func endsWithCloser(line string) bool {
	trimmed := strings.TrimSpace(stripTimestamp(line))
	return strings.HasSuffix(trimmed, "}") || strings.HasSuffix(trimmed, "]")
}
