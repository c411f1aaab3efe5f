package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSession_WritesInitialManifest(t *testing.T) {
	s := NewStore(t.TempDir())

	runDir, err := s.StartSession("report-1", map[string]any{"query": "品牌舆情"})
	require.NoError(t, err)
	require.DirExists(t, runDir)

	manifest, err := s.Manifest(runDir)
	require.NoError(t, err)
	assert.Equal(t, "report-1", manifest.ReportID)
	assert.Empty(t, manifest.Chapters)
	assert.Equal(t, "品牌舆情", manifest.Metadata["query"])
	assert.False(t, manifest.CreatedAt.IsZero())
}

func TestBeginChapter_CreatesDirAndStreamingRecord(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)

	chapterDir, err := s.BeginChapter(runDir, ChapterMeta{
		ChapterID: "S0", Title: "市场概览", Slug: "market-overview", Order: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runDir, "010-market-overview"), chapterDir)
	require.DirExists(t, chapterDir)

	manifest, err := s.Manifest(runDir)
	require.NoError(t, err)
	require.Len(t, manifest.Chapters, 1)
	assert.Equal(t, StatusStreaming, manifest.Chapters[0].Status)
	assert.NotEmpty(t, manifest.Chapters[0].Files.Raw)
	assert.Empty(t, manifest.Chapters[0].Files.JSON)
}

func TestCaptureStream_WritesRawFile(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)
	chapterDir, err := s.BeginChapter(runDir, ChapterMeta{ChapterID: "S0", Slug: "s", Order: 10})
	require.NoError(t, err)

	w, err := s.CaptureStream(chapterDir)
	require.NoError(t, err)
	_, err = w.WriteString(`{"partial": true`)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(chapterDir, StreamFileName))
	require.NoError(t, err)
	assert.Equal(t, `{"partial": true`, string(data))
}

func TestPersistChapter_ReadyAndInvalid(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)

	payload := map[string]any{"title": "概览", "blocks": []any{}}
	jsonPath, err := s.PersistChapter(runDir, ChapterMeta{ChapterID: "S0", Title: "概览", Slug: "overview", Order: 10}, payload, nil)
	require.NoError(t, err)
	assert.FileExists(t, jsonPath)

	_, err = s.PersistChapter(runDir, ChapterMeta{ChapterID: "S1", Title: "风险", Slug: "risk", Order: 20}, payload, []string{"blocks: empty"})
	require.NoError(t, err)

	manifest, err := s.Manifest(runDir)
	require.NoError(t, err)
	require.Len(t, manifest.Chapters, 2)
	assert.Equal(t, StatusReady, manifest.Chapters[0].Status)
	assert.Equal(t, StatusInvalid, manifest.Chapters[1].Status)
	assert.Equal(t, []string{"blocks: empty"}, manifest.Chapters[1].Errors)
	require.NotNil(t, manifest.UpdatedAt)
}

func TestPersistChapter_UpsertReplacesStreamingRecord(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)

	meta := ChapterMeta{ChapterID: "S0", Title: "概览", Slug: "overview", Order: 10}
	_, err = s.BeginChapter(runDir, meta)
	require.NoError(t, err)
	_, err = s.PersistChapter(runDir, meta, map[string]any{"title": "概览"}, nil)
	require.NoError(t, err)

	manifest, err := s.Manifest(runDir)
	require.NoError(t, err)
	require.Len(t, manifest.Chapters, 1)
	assert.Equal(t, StatusReady, manifest.Chapters[0].Status)
}

func TestManifestUpsert_Idempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)

	meta := ChapterMeta{ChapterID: "S0", Title: "概览", Slug: "overview", Order: 10}
	payload := map[string]any{"title": "概览"}
	_, err = s.PersistChapter(runDir, meta, payload, nil)
	require.NoError(t, err)
	first, err := s.Manifest(runDir)
	require.NoError(t, err)

	_, err = s.PersistChapter(runDir, meta, payload, nil)
	require.NoError(t, err)
	second, err := s.Manifest(runDir)
	require.NoError(t, err)

	require.Len(t, second.Chapters, 1)
	assert.Equal(t, first.Chapters[0].ChapterID, second.Chapters[0].ChapterID)
	assert.Equal(t, first.Chapters[0].Status, second.Chapters[0].Status)
	assert.Equal(t, first.Chapters[0].Files, second.Chapters[0].Files)
}

func TestLoadChapters_SortedByOrderSkipsInvalid(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)

	// Persist out of order; the invalid one must not be loaded.
	_, err = s.PersistChapter(runDir, ChapterMeta{ChapterID: "S2", Title: "三", Slug: "three", Order: 30}, map[string]any{"title": "三"}, nil)
	require.NoError(t, err)
	_, err = s.PersistChapter(runDir, ChapterMeta{ChapterID: "S0", Title: "一", Slug: "one", Order: 10}, map[string]any{"title": "一"}, nil)
	require.NoError(t, err)
	_, err = s.PersistChapter(runDir, ChapterMeta{ChapterID: "S1", Title: "二", Slug: "two", Order: 20}, map[string]any{"title": "二"}, []string{"broken"})
	require.NoError(t, err)

	chapters, err := s.LoadChapters(runDir)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
	assert.Equal(t, "一", chapters[0]["title"])
	assert.Equal(t, "三", chapters[1]["title"])
}

func TestManifestOnDiskIsWellFormedJSON(t *testing.T) {
	s := NewStore(t.TempDir())
	runDir, err := s.StartSession("report-1", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(runDir, "manifest.json"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "report-1", decoded["reportId"])

	// No leftover temp file from the atomic write.
	assert.NoFileExists(t, filepath.Join(runDir, "manifest.json.tmp"))
}

func TestSafeSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"market-overview", "market-overview"},
		{"市场概览", "市场概览"},
		{"a b/c!!d", "a-b-c-d"},
		{"---", "section"},
		{"", "section"},
		{"mixed_市场_ok", "mixed_市场_ok"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, SafeSlug(tc.in), "input %q", tc.in)
	}
}
