// Package jsonx parses JSON produced by LLMs. Raw model output is rarely
// clean: it arrives wrapped in markdown fences, prefixed with thinking text,
// missing commas, or with unbalanced brackets. Parse runs a repair cascade —
// clean, local syntax fixes, third-party repair, optional LLM-assisted
// repair — and returns as soon as any stage yields valid JSON.
package jsonx

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// maxErrorRawLen bounds how much raw text a ParseError carries.
const maxErrorRawLen = 2000

// RepairFunc is an optional LLM-assisted repair callback. It receives the raw
// text and the last parse error message and returns a corrected candidate.
type RepairFunc func(raw, parseErr string) (string, error)

// Options controls parsing behavior.
type Options struct {
	// Context names the call site for logging and quarantine file naming.
	Context string

	// ExpectedKeys are keys the caller requires in an object result. Used to
	// pick the best dict from a list and to drive alias recovery.
	ExpectedKeys []string

	// WrapperKey, if set and the result is an object containing only that
	// key, unwraps to the inner value.
	WrapperKey string

	// Repairer enables the LLM-assisted repair stage. Nil disables it.
	Repairer RepairFunc

	// QuarantineDir, if set, receives the full raw text of inputs that
	// exhaust the cascade.
	QuarantineDir string
}

// ParseError is returned when the full repair cascade fails. Raw holds the
// (truncated) input for the caller to log.
type ParseError struct {
	Context string
	Raw     string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonx: parse failed (%s): %v", e.Context, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// aliasTable maps expected keys to alternative names LLMs commonly emit.
var aliasTable = map[string][]string{
	"template_name":    {"templateName", "name"},
	"templateName":     {"template_name", "name"},
	"total_words":      {"totalWords"},
	"totalWords":       {"total_words"},
	"chapters":         {"chapter_plans", "sections"},
	"toc_plan":         {"tocPlan", "toc"},
	"tocPlan":          {"toc_plan", "toc"},
	"title":            {"report_title", "reportTitle"},
	"blocks":           {"content", "body"},
	"globalGuidelines": {"global_guidelines", "guidelines"},
}

// Parse runs the repair cascade on raw and returns the decoded value.
func Parse(raw string, opts Options) (any, error) {
	log := slog.With("context", opts.Context)

	cleaned := Clean(raw)
	if v, ok := tryDecode(cleaned); ok {
		return postProcess(v, opts, log), nil
	}

	// Local repairs, applied cumulatively. Each is idempotent; a parse is
	// attempted after every step so the cheapest fix wins.
	candidate := cleaned
	var lastErr error
	for _, repair := range localRepairs {
		candidate = repair(candidate)
		v, err := decode(candidate)
		if err == nil {
			log.Debug("Parsed after local repair")
			return postProcess(v, opts, log), nil
		}
		lastErr = err
	}

	// Third-party repair. The library coerces arbitrary prose into a bare
	// JSON string, so only structured results are accepted from this stage.
	if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
		if v, ok := tryDecode(repaired); ok && isStructured(v) {
			log.Debug("Parsed after library repair")
			return postProcess(v, opts, log), nil
		}
	}

	// LLM-assisted repair, disabled unless a callback is supplied.
	if opts.Repairer != nil {
		errMsg := ""
		if lastErr != nil {
			errMsg = lastErr.Error()
		}
		fixed, err := opts.Repairer(raw, errMsg)
		if err != nil {
			log.Warn("LLM-assisted repair failed", "error", err)
		} else if v, ok := tryDecode(Clean(fixed)); ok {
			log.Info("Parsed after LLM-assisted repair")
			return postProcess(v, opts, log), nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no parseable JSON content")
	}
	quarantine(raw, opts, log)
	return nil, &ParseError{
		Context: opts.Context,
		Raw:     truncate(raw, maxErrorRawLen),
		Err:     lastErr,
	}
}

// ParseObject parses raw and requires an object result.
func ParseObject(raw string, opts Options) (map[string]any, error) {
	v, err := Parse(raw, opts)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		quarantine(raw, opts, slog.With("context", opts.Context))
		return nil, &ParseError{
			Context: opts.Context,
			Raw:     truncate(raw, maxErrorRawLen),
			Err:     fmt.Errorf("expected object, got %T", v),
		}
	}
	return obj, nil
}

func decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func tryDecode(s string) (any, bool) {
	v, err := decode(s)
	return v, err == nil
}

func isStructured(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// postProcess applies wrapper unwrapping, list-to-dict selection, and alias
// recovery to a successfully decoded value.
func postProcess(v any, opts Options, log *slog.Logger) any {
	if opts.WrapperKey != "" {
		if obj, ok := v.(map[string]any); ok {
			if inner, present := obj[opts.WrapperKey]; present && len(obj) == 1 {
				v = inner
			}
		}
	}

	if list, ok := v.([]any); ok && len(opts.ExpectedKeys) > 0 {
		if best := bestDict(list, opts.ExpectedKeys); best != nil {
			log.Warn("Expected object but got list; extracted best matching element",
				"list_len", len(list))
			v = best
		}
	}

	if obj, ok := v.(map[string]any); ok && len(opts.ExpectedKeys) > 0 {
		recoverAliases(obj, opts.ExpectedKeys)
	}

	return v
}

// bestDict picks the list element matching the most expected keys.
func bestDict(list []any, expected []string) map[string]any {
	var best map[string]any
	bestScore := -1
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		score := 0
		for _, key := range expected {
			if _, present := obj[key]; present {
				score++
			}
		}
		if score > bestScore {
			best = obj
			bestScore = score
		}
	}
	return best
}

// recoverAliases fills missing expected keys from known alias names in place.
func recoverAliases(obj map[string]any, expected []string) {
	for _, key := range expected {
		if _, present := obj[key]; present {
			continue
		}
		for _, alias := range aliasTable[key] {
			if v, present := obj[alias]; present {
				obj[key] = v
				break
			}
		}
	}
}

// quarantine writes the full raw text to the quarantine directory for
// forensic review. Best-effort; failures are logged and ignored.
func quarantine(raw string, opts Options, log *slog.Logger) {
	if opts.QuarantineDir == "" {
		return
	}
	if err := os.MkdirAll(opts.QuarantineDir, 0o755); err != nil {
		log.Warn("Failed to create quarantine dir", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.raw.txt",
		time.Now().Format("20060102T150405"), sanitizeContext(opts.Context))
	path := filepath.Join(opts.QuarantineDir, name)
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		log.Warn("Failed to write quarantine file", "path", path, "error", err)
		return
	}
	log.Info("Unparseable content quarantined", "path", path)
}

func sanitizeContext(ctx string) string {
	if ctx == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range ctx {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
