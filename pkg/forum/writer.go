// Package forum tails the three engine log files, extracts structured agent
// statements, and maintains the canonical forum.log, invoking a moderator
// LLM when enough material accumulates.
package forum

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Forum tags.
const (
	TagInsight = "INSIGHT"
	TagMedia   = "MEDIA"
	TagQuery   = "QUERY"
	TagHost    = "HOST"
	TagSystem  = "SYSTEM"
)

// LineRe matches every well-formed forum.log line.
var LineRe = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] \[(INSIGHT|MEDIA|QUERY|HOST|SYSTEM)\] [^\n]*$`)

var embeddedTagRe = regexp.MustCompile(`\[(INSIGHT|MEDIA|QUERY|HOST|SYSTEM)\]`)
var whitespaceRe = regexp.MustCompile(`[ \t]+`)

// Writer appends forum.log lines under a process-wide lock. One line per
// entry; embedded newlines are escaped.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a Writer for the given forum.log path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the forum.log location.
func (w *Writer) Path() string { return w.path }

// Write appends one tagged entry with the current wall-clock timestamp.
func (w *Writer) Write(tag, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLine(tag, content)
}

// Reset truncates forum.log and writes a SYSTEM line marking a new run.
func (w *Writer) Reset(systemMessage string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create forum log directory: %w", err)
	}
	if err := os.WriteFile(w.path, nil, 0o644); err != nil {
		return fmt.Errorf("failed to reset forum log: %w", err)
	}
	return w.appendLine(TagSystem, systemMessage)
}

func (w *Writer) appendLine(tag, content string) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open forum log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), tag, EscapeContent(content))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append forum log: %w", err)
	}
	return nil
}

// EscapeContent strips embedded forum tags, collapses runs of spaces and
// tabs, and escapes line breaks so the entry stays on one line.
func EscapeContent(content string) string {
	content = embeddedTagRe.ReplaceAllString(content, "")
	content = strings.ReplaceAll(content, "\r", `\r`)
	content = strings.ReplaceAll(content, "\n", `\n`)
	content = whitespaceRe.ReplaceAllString(content, " ")
	return strings.TrimSpace(content)
}
