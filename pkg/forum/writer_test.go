package forum

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_LineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forum.log")
	w := NewWriter(path)

	require.NoError(t, w.Write(TagInsight, "深度分析结论"))
	require.NoError(t, w.Write(TagHost, "主持人总结"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Regexp(t, LineRe, line)
	}
	assert.Contains(t, lines[0], "[INSIGHT] 深度分析结论")
	assert.Contains(t, lines[1], "[HOST] 主持人总结")
}

func TestWriter_EscapesMultilineContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forum.log")
	w := NewWriter(path)

	require.NoError(t, w.Write(TagMedia, "第一行\n第二行\r\n第三行"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1, "multiline content must stay on one line")
	assert.Regexp(t, LineRe, lines[0])
	assert.Contains(t, lines[0], `第一行\n第二行\r\n第三行`)
}

func TestWriter_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forum.log")
	w := NewWriter(path)
	require.NoError(t, w.Write(TagQuery, "旧内容"))

	require.NoError(t, w.Reset("议题讨论开始"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "[SYSTEM] 议题讨论开始")
}

func TestEscapeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips embedded tags", "前缀 [HOST] 中段 [INSIGHT] 后缀", "前缀 中段 后缀"},
		{"collapses whitespace", "a \t  b", "a b"},
		{"escapes newlines", "a\nb", `a\nb`},
		{"trims", "  x  ", "x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EscapeContent(tc.in))
		})
	}
}
