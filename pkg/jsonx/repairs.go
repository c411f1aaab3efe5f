package jsonx

import (
	"fmt"
	"strings"
)

// localRepairs are the cheap syntax fixes, applied cumulatively in order.
// Each is idempotent on already-valid output of itself.
var localRepairs = []func(string) string{
	fixColonEquals,
	escapeControlChars,
	insertMissingCommas,
	collapseOverNesting,
	closeBrackets,
	removeTrailingCommas,
}

// fixColonEquals replaces the `":=` artifact some models emit for `":`.
func fixColonEquals(s string) string {
	return strings.ReplaceAll(s, `":=`, `":`)
}

// escapeControlChars escapes bare control characters inside string literals.
func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}
		if escaped {
			escaped = false
			b.WriteByte(c)
			continue
		}
		switch {
		case c == '\\':
			escaped = true
			b.WriteByte(c)
		case c == '"':
			inString = false
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(&b, `\u%04x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// insertMissingCommas inserts a comma when a value token (closing brace,
// closing bracket, closing quote, or digit) is directly followed by the next
// opener with only whitespace between.
func insertMissingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	var prevSig byte // last significant char outside strings; '"' means string close
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				prevSig = '"'
			}
			b.WriteByte(c)
			continue
		}
		switch c {
		case ' ', '\t', '\n', '\r':
			b.WriteByte(c)
			continue
		case '"', '{', '[':
			if valueTerminator(prevSig) {
				b.WriteByte(',')
			}
			if c == '"' {
				inString = true
				prevSig = 0
			} else {
				prevSig = c
			}
			b.WriteByte(c)
			continue
		}
		prevSig = c
		b.WriteByte(c)
	}
	return b.String()
}

func valueTerminator(c byte) bool {
	return c == '}' || c == ']' || c == '"' || (c >= '0' && c <= '9')
}

// collapseOverNesting collapses runs of three or more identical brackets
// down to two — an over-nesting artifact of list-of-list chapter output.
func collapseOverNesting(s string) string {
	for {
		next := strings.ReplaceAll(s, "[[[", "[[")
		next = strings.ReplaceAll(next, "]]]", "]]")
		if next == s {
			return s
		}
		s = next
	}
}

// closeBrackets drops stray closers and appends missing closers at EOF,
// tracked via a bracket stack with string awareness.
func closeBrackets(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			b.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '{', '[':
			stack = append(stack, c)
			b.WriteByte(c)
		case '}', ']':
			want := byte('{')
			if c == ']' {
				want = '['
			}
			if len(stack) > 0 && stack[len(stack)-1] == want {
				stack = stack[:len(stack)-1]
				b.WriteByte(c)
			}
			// Stray closer: dropped.
		default:
			b.WriteByte(c)
		}
	}
	// An unterminated string would make any appended closers useless.
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// removeTrailingCommas removes commas directly preceding a closer.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	pendingComma := -1 // index into b of a comma awaiting a verdict
	var pendingWS strings.Builder
	flush := func(keepComma bool) {
		if pendingComma >= 0 {
			if keepComma {
				b.WriteByte(',')
			}
			pendingComma = -1
		}
		b.WriteString(pendingWS.String())
		pendingWS.Reset()
	}
	for i := 0; i < len(s); i++ {
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
			b.WriteByte(c)
			continue
		}
		switch c {
		case ',':
			flush(true)
			pendingComma = 0
		case ' ', '\t', '\n', '\r':
			if pendingComma >= 0 {
				pendingWS.WriteByte(c)
			} else {
				b.WriteByte(c)
			}
		case '}', ']':
			flush(false)
			b.WriteByte(c)
		case '"':
			flush(true)
			inString = true
			b.WriteByte(c)
		default:
			flush(true)
			b.WriteByte(c)
		}
	}
	flush(true)
	return b.String()
}
