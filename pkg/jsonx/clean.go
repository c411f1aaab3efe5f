package jsonx

import (
	"regexp"
	"strings"
)

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)
	fenceOpenRe  = regexp.MustCompile("(?m)^```(?:json|JSON)?\\s*$")
)

// Clean strips thinking preambles and markdown fences, then extracts the
// first balanced JSON object or array substring. If no balanced region is
// found, the text from the first opener to EOF is returned so that later
// stages can close the brackets.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	s = thinkBlockRe.ReplaceAllString(s, "")

	// Prefer fenced content when a ```json block is present.
	if idx := strings.Index(s, "```"); idx >= 0 {
		inner := extractFenced(s)
		if inner != "" {
			s = inner
		} else {
			s = fenceOpenRe.ReplaceAllString(s, "")
			s = strings.ReplaceAll(s, "```", "")
		}
	}

	return extractBalanced(strings.TrimSpace(s))
}

// extractFenced returns the content of the first ```...``` block, or "".
func extractFenced(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	// Skip an optional language tag up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "json") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalanced finds the first '{' or '[' and returns the substring up to
// its matching closer, tracking string and escape state. Falls back to the
// remainder of the input when the region never closes.
func extractBalanced(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return s
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
