package baseline

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettafish/bettafish/pkg/models"
)

func writeArtifacts(t *testing.T, dir string, count int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < count; i++ {
		path := filepath.Join(dir, fmt.Sprintf("report_%d.md", i))
		require.NoError(t, os.WriteFile(path, []byte("# report"), 0o644))
	}
}

func engineDirs(t *testing.T, counts map[models.Engine]int) map[models.Engine]string {
	t.Helper()
	root := t.TempDir()
	dirs := make(map[models.Engine]string)
	for engine, n := range counts {
		dir := filepath.Join(root, string(engine))
		writeArtifacts(t, dir, n)
		dirs[engine] = dir
	}
	return dirs
}

func TestInitialize_CountsAndPersists(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{
		models.EngineInsight: 3,
		models.EngineMedia:   2,
		models.EngineQuery:   4,
	})
	snapshotPath := filepath.Join(t.TempDir(), "report_baseline.json")

	store := NewStore(snapshotPath)
	counts, err := store.Initialize(dirs)
	require.NoError(t, err)

	assert.Equal(t, 3, counts[models.EngineInsight])
	assert.Equal(t, 2, counts[models.EngineMedia])
	assert.Equal(t, 4, counts[models.EngineQuery])

	// Snapshot survives a restart.
	reopened := NewStore(snapshotPath)
	assert.Equal(t, counts, reopened.Snapshot())
}

func TestCheckNewFiles_PartialReadiness(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{
		models.EngineInsight: 3,
		models.EngineMedia:   2,
		models.EngineQuery:   4,
	})
	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))
	_, err := store.Initialize(dirs)
	require.NoError(t, err)

	// One new artifact for insight only.
	path := filepath.Join(dirs[models.EngineInsight], "report_new.md")
	require.NoError(t, os.WriteFile(path, []byte("# new"), 0o644))

	result, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)

	assert.False(t, result.Ready)
	assert.Equal(t, []models.Engine{models.EngineMedia, models.EngineQuery}, result.Missing)
	assert.Equal(t, 1, result.Delta[models.EngineInsight])
	assert.Equal(t, 0, result.Delta[models.EngineMedia])
	assert.Equal(t, 0, result.Delta[models.EngineQuery])
}

func TestCheckNewFiles_AllEnginesReady(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{
		models.EngineInsight: 1,
		models.EngineMedia:   1,
		models.EngineQuery:   1,
	})
	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))
	_, err := store.Initialize(dirs)
	require.NoError(t, err)

	for _, dir := range dirs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh.md"), []byte("x"), 0o644))
	}

	result, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	assert.True(t, result.Ready)
	assert.Empty(t, result.Missing)
}

func TestCheckNewFiles_SideEffectFree(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{models.EngineInsight: 2})
	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))
	_, err := store.Initialize(dirs)
	require.NoError(t, err)

	first, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	second, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, store.Snapshot()[models.EngineInsight])
}

func TestCheckNewFiles_FirstRunEmptyBaseline(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{
		models.EngineInsight: 0,
		models.EngineMedia:   0,
		models.EngineQuery:   0,
	})
	// No Initialize call and no snapshot file: empty baseline.
	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))

	result, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	assert.False(t, result.Ready)
	assert.Len(t, result.Missing, 3)
}

func TestInitialize_IdempotentOnStableInputs(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{models.EngineInsight: 2, models.EngineMedia: 1})
	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))

	first, err := store.Initialize(dirs)
	require.NoError(t, err)
	second, err := store.Initialize(dirs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLatestFiles_NewestModTimeWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "insight")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	older := filepath.Join(dir, "older.md")
	newer := filepath.Join(dir, "newer.md")
	require.NoError(t, os.WriteFile(older, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))
	latest, err := store.LatestFiles(map[models.Engine]string{models.EngineInsight: dir})
	require.NoError(t, err)
	assert.Equal(t, newer, latest[models.EngineInsight])
}

func TestLatestFiles_OmitsEmptyEngines(t *testing.T) {
	dirs := engineDirs(t, map[models.Engine]int{
		models.EngineInsight: 1,
		models.EngineMedia:   0,
	})
	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))
	latest, err := store.LatestFiles(dirs)
	require.NoError(t, err)

	assert.Contains(t, latest, models.EngineInsight)
	assert.NotContains(t, latest, models.EngineMedia)
}

func TestNewStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(path)
	assert.Empty(t, store.Snapshot())
}

func TestNonMarkdownFilesIgnored(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "query")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.json"), []byte("{}"), 0o644))

	store := NewStore(filepath.Join(t.TempDir(), "baseline.json"))
	counts, err := store.Initialize(map[models.Engine]string{models.EngineQuery: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.EngineQuery])
}
