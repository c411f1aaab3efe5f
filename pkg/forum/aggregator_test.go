package forum

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettafish/bettafish/pkg/llm"
	"github.com/bettafish/bettafish/pkg/models"
)

type fakeModerator struct {
	mu        sync.Mutex
	summaries []string
	calls     int
	err       error
}

func (m *fakeModerator) Label() string { return "forum" }

func (m *fakeModerator) Generate(_ context.Context, _ llm.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if len(m.summaries) == 0 {
		return "主持人综合评论", nil
	}
	summary := m.summaries[0]
	m.summaries = m.summaries[1:]
	return summary, nil
}

func (m *fakeModerator) GenerateStream(ctx context.Context, req llm.Request, _ func(string)) (string, error) {
	return m.Generate(ctx, req)
}

type forumFixture struct {
	agg      *Aggregator
	logs     map[models.Engine]string
	forumLog string
}

func newFixture(t *testing.T, moderator llm.Client, threshold, idleLimit int) *forumFixture {
	t.Helper()
	dir := t.TempDir()
	logs := map[models.Engine]string{
		models.EngineInsight: filepath.Join(dir, "insight.log"),
		models.EngineMedia:   filepath.Join(dir, "media.log"),
		models.EngineQuery:   filepath.Join(dir, "query.log"),
	}
	for _, path := range logs {
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}
	forumLog := filepath.Join(dir, "forum.log")
	agg := NewAggregator(Options{
		EngineLogs:      logs,
		Writer:          NewWriter(forumLog),
		Moderator:       moderator,
		BufferThreshold: threshold,
		IdleTicksLimit:  idleLimit,
	})
	return &forumFixture{agg: agg, logs: logs, forumLog: forumLog}
}

func (f *forumFixture) appendLine(t *testing.T, engine models.Engine, line string) {
	t.Helper()
	file, err := os.OpenFile(f.logs[engine], os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	require.NoError(t, err)
}

func (f *forumFixture) forumLines(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.forumLog)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func burstLine(engine models.Engine, n int) string {
	return fmt.Sprintf(
		`2025-01-02 10:00:%02d.123 | INFO | %s_engine.%s_agent:run:88 - Cleaned output: {"updated_paragraph_latest_state": "第%d条发言,围绕本议题的详细分析内容,字数足够长以通过阈值检查"}`,
		n, engine, engine, n)
}

func startMarker() string {
	return "2025-01-02 10:00:00.000 | INFO | media_engine.media_agent:run:10 - 首次总结完成"
}

func TestAggregator_ModeratorTriggersAtThreshold(t *testing.T) {
	moderator := &fakeModerator{}
	f := newFixture(t, moderator, 5, 7200)

	f.appendLine(t, models.EngineMedia, startMarker())
	f.agg.tick()
	require.True(t, f.agg.running)

	engines := []models.Engine{
		models.EngineInsight, models.EngineMedia, models.EngineQuery,
		models.EngineInsight, models.EngineMedia, models.EngineQuery,
	}
	for i, engine := range engines {
		f.appendLine(t, engine, burstLine(engine, i+1))
		f.agg.tick()
	}

	lines := f.forumLines(t)
	// SYSTEM start + 6 engine entries + 1 HOST line.
	require.Len(t, lines, 8)
	for _, line := range lines {
		assert.Regexp(t, LineRe, line)
	}
	assert.Contains(t, lines[0], "[SYSTEM]")

	// The HOST line sits between the 5th and 6th engine entries.
	hostIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "[HOST]") {
			hostIndex = i
		}
	}
	require.Equal(t, 6, hostIndex)
	assert.Contains(t, lines[hostIndex], "主持人综合评论")

	// Buffer retains the entry published after the moderator fired.
	assert.Len(t, f.agg.buffer, 1)
	assert.Equal(t, 1, moderator.calls)
}

func TestAggregator_IgnoresLinesWhileIdle(t *testing.T) {
	f := newFixture(t, nil, 5, 7200)

	f.appendLine(t, models.EngineInsight, "2025-01-02 10:00:00.000 | INFO | some.other.module:run:1 - ordinary startup noise")
	f.agg.tick()

	assert.False(t, f.agg.running)
	assert.Empty(t, f.forumLines(t))
}

func TestAggregator_ErrorBlockSuppressesCapture(t *testing.T) {
	f := newFixture(t, nil, 5, 7200)
	f.appendLine(t, models.EngineInsight, startMarker())
	f.agg.tick()
	require.True(t, f.agg.running)

	f.appendLine(t, models.EngineInsight, "2025-01-02 10:00:01.000 | ERROR | insight_engine.insight_agent:run:88 - boom")
	f.appendLine(t, models.EngineInsight, burstLine(models.EngineInsight, 1))
	f.agg.tick()
	// The burst followed an ERROR line with no INFO in between at the time
	// it was read... but the burst line itself is INFO-level, which clears
	// the error block before processing.
	lines := f.forumLines(t)
	assert.Len(t, lines, 2, "INFO burst after ERROR clears the block and is captured")

	// A non-INFO content line inside an error block is dropped.
	f.appendLine(t, models.EngineInsight, "2025-01-02 10:00:02.000 | ERROR | insight_engine.insight_agent:run:88 - second failure")
	f.appendLine(t, models.EngineInsight, "plain insight_agent content line that is long enough to qualify as valuable")
	f.agg.tick()
	assert.Len(t, f.forumLines(t), 2)
}

func TestAggregator_MultiLineCapture(t *testing.T) {
	f := newFixture(t, nil, 5, 7200)
	f.appendLine(t, models.EngineQuery, startMarker())
	f.agg.tick()

	f.appendLine(t, models.EngineQuery, `2025-01-02 10:00:01.123 | INFO | query_engine.query_agent:run:9 - Cleaned output: {`)
	f.appendLine(t, models.EngineQuery, `"updated_paragraph_latest_state": "跨行的完整论述内容",`)
	f.appendLine(t, models.EngineQuery, `}`)
	f.agg.tick()

	lines := f.forumLines(t)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "[QUERY] 跨行的完整论述内容")
}

func TestAggregator_TruncationEndsRun(t *testing.T) {
	f := newFixture(t, nil, 5, 7200)
	f.appendLine(t, models.EngineMedia, startMarker())
	f.appendLine(t, models.EngineMedia, burstLine(models.EngineMedia, 1))
	f.agg.tick()
	require.True(t, f.agg.running)

	require.NoError(t, os.WriteFile(f.logs[models.EngineMedia], nil, 0o644))
	f.agg.tick()

	assert.False(t, f.agg.running)
	lines := f.forumLines(t)
	last := lines[len(lines)-1]
	assert.Contains(t, last, "[SYSTEM] 议题讨论结束")
	assert.Equal(t, int64(0), f.agg.engines[models.EngineMedia].offset)
}

func TestAggregator_IdleTimeoutEndsRun(t *testing.T) {
	f := newFixture(t, nil, 5, 3)
	f.appendLine(t, models.EngineInsight, startMarker())
	f.agg.tick()
	require.True(t, f.agg.running)

	for i := 0; i < 3; i++ {
		f.agg.tick()
	}

	assert.False(t, f.agg.running)
	lines := f.forumLines(t)
	assert.Contains(t, lines[len(lines)-1], "议题讨论结束")
}

func TestAggregator_ModeratorFailureKeepsBuffer(t *testing.T) {
	moderator := &fakeModerator{err: errors.New("host unavailable")}
	f := newFixture(t, moderator, 2, 7200)
	f.appendLine(t, models.EngineInsight, startMarker())
	f.agg.tick()

	f.appendLine(t, models.EngineInsight, burstLine(models.EngineInsight, 1))
	f.agg.tick()
	f.appendLine(t, models.EngineMedia, burstLine(models.EngineMedia, 2))
	f.agg.tick()

	// Graceful retry exhausted; entries stay buffered, no HOST line.
	assert.Len(t, f.agg.buffer, 2)
	for _, line := range f.forumLines(t) {
		assert.NotContains(t, line, "[HOST]")
	}
}

func TestAggregator_ResetFailureSkipsRunStart(t *testing.T) {
	f := newFixture(t, nil, 5, 7200)
	// Occupy the forum log path with a directory so Reset cannot write it.
	require.NoError(t, os.Mkdir(f.forumLog, 0o755))

	f.appendLine(t, models.EngineInsight, startMarker())
	f.appendLine(t, models.EngineInsight, `2025-01-02 10:00:01.123 | INFO | insight_engine.insight_agent:run:9 - Cleaned output: {`)
	f.agg.tick()

	assert.False(t, f.agg.running)
	assert.Empty(t, f.agg.buffer)
	// The trigger lines were not consumed into the capture state machine.
	assert.False(t, f.agg.engines[models.EngineInsight].capturing)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *recordingSink) SaveEntry(_ context.Context, tag, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Tag: tag, Content: content})
	return nil
}

func TestAggregator_SinkReceivesEntries(t *testing.T) {
	f := newFixture(t, nil, 5, 3)
	sink := &recordingSink{}
	f.agg.opts.Sink = sink

	f.appendLine(t, models.EngineInsight, startMarker())
	f.agg.tick()
	f.appendLine(t, models.EngineInsight, burstLine(models.EngineInsight, 1))
	f.agg.tick()
	for i := 0; i < 3; i++ {
		f.agg.tick()
	}

	// SYSTEM start, one INSIGHT statement, SYSTEM end.
	require.Len(t, sink.entries, 3)
	assert.Equal(t, TagSystem, sink.entries[0].Tag)
	assert.Equal(t, TagInsight, sink.entries[1].Tag)
	assert.Equal(t, TagSystem, sink.entries[2].Tag)
	assert.Contains(t, sink.entries[2].Content, "议题讨论结束")
}

func TestAggregator_StartStop(t *testing.T) {
	f := newFixture(t, nil, 5, 7200)
	f.agg.Start()
	f.agg.Stop()
	// Stop is idempotent and does not hang.
	f.agg.Stop()
}
