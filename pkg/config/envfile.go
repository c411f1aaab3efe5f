package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// UpdateEnvFile merges key-value pairs into the .env file at path. Existing
// assignments are updated in place, preserving comments, blank lines, and
// ordering; new keys are appended. The file is created when missing.
func UpdateEnvFile(path string, updates map[string]string) error {
	if len(updates) == 0 {
		return nil
	}

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = strings.Split(string(data), "\n")
		// Drop the trailing empty element from a final newline so we do
		// not accumulate blank lines across updates.
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
	case os.IsNotExist(err):
		lines = nil
	default:
		return fmt.Errorf("failed to read env file: %w", err)
	}

	pending := make(map[string]string, len(updates))
	for key, value := range updates {
		pending[key] = value
	}

	for i, line := range lines {
		key := assignmentKey(line)
		if key == "" {
			continue
		}
		if value, present := pending[key]; present {
			lines[i] = key + "=" + quoteEnvValue(value)
			delete(pending, key)
		}
	}

	// Append remaining keys in stable order for deterministic files.
	for _, key := range sortedKeys(pending) {
		lines = append(lines, key+"="+quoteEnvValue(pending[key]))
	}

	out := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(out), 0o644)
}

// assignmentKey returns the key of a KEY=VALUE line, or "" for comments and
// blank lines.
func assignmentKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	eq := strings.Index(trimmed, "=")
	if eq <= 0 {
		return ""
	}
	key := strings.TrimSpace(trimmed[:eq])
	key = strings.TrimPrefix(key, "export ")
	return strings.TrimSpace(key)
}

// quoteEnvValue quotes values containing whitespace or '#'.
func quoteEnvValue(value string) string {
	if strings.ContainsAny(value, " \t#") {
		return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`
	}
	return value
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
