package forum

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bettafish/bettafish/pkg/llm"
	"github.com/bettafish/bettafish/pkg/models"
	"github.com/bettafish/bettafish/pkg/report/prompt"
	"github.com/bettafish/bettafish/pkg/retry"
)

// Defaults for the aggregator loop.
const (
	DefaultBufferThreshold = 5
	DefaultIdleTicksLimit  = 7200
	DefaultTickInterval    = time.Second

	// captureMaxLines bounds a runaway JSON capture.
	captureMaxLines = 500

	// valuableContentMinChars qualifies a bare target line as a statement.
	valuableContentMinChars = 30
)

// firstSummaryMarkers start a run when seen on a non-error line while idle.
var firstSummaryMarkers = []string{
	"insight_engine.insight_agent",
	"media_engine.media_agent",
	"query_engine.query_agent",
	"首次总结完成",
	"first summary generated",
	cleanedOutputMarker,
}

// targetNodeMarkers identify lines produced by the statement-bearing nodes.
var targetNodeMarkers = []string{
	"insight_agent",
	"media_agent",
	"query_agent",
	"summary_node",
	cleanedOutputMarker,
}

// exclusionKeywords disqualify a line from being treated as content.
var exclusionKeywords = []string{
	"Traceback",
	"Exception",
	"ERROR",
	"error-code",
	"HTTP Request:",
}

// Entry is one buffered agent statement awaiting the moderator.
type Entry struct {
	Tag     string
	Content string
}

// EntrySink receives every accepted forum entry for history persistence.
type EntrySink interface {
	SaveEntry(ctx context.Context, tag, content string) error
}

// Options configures an Aggregator.
type Options struct {
	// EngineLogs maps each engine to the log file to tail.
	EngineLogs map[models.Engine]string
	// Writer owns forum.log.
	Writer *Writer
	// Moderator is the host LLM; nil disables host commentary.
	Moderator llm.Client
	// Sink persists accepted entries outside forum.log; nil disables it.
	Sink EntrySink
	// BufferThreshold triggers the moderator with the oldest entries.
	BufferThreshold int
	// IdleTicksLimit ends a run after this many quiet ticks.
	IdleTicksLimit int
	// TickInterval is the poll period.
	TickInterval time.Duration
}

type engineState struct {
	offset       int64
	lineCount    int
	partial      string
	capturing    bool
	capture      []string
	inErrorBlock bool
}

func (s *engineState) reset() {
	s.offset = 0
	s.lineCount = 0
	s.partial = ""
	s.dropCapture()
	s.inErrorBlock = false
}

func (s *engineState) dropCapture() {
	s.capturing = false
	s.capture = nil
}

// Aggregator runs the 1 s tail loop over the engine logs. All state is owned
// by the loop goroutine; only Start and Stop are safe for other goroutines.
type Aggregator struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	engines   map[models.Engine]*engineState
	buffer    []Entry
	running   bool
	idleTicks int
	hostBusy  bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewAggregator creates an Aggregator. Zero options take the defaults.
func NewAggregator(opts Options) *Aggregator {
	if opts.BufferThreshold <= 0 {
		opts.BufferThreshold = DefaultBufferThreshold
	}
	if opts.IdleTicksLimit <= 0 {
		opts.IdleTicksLimit = DefaultIdleTicksLimit
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	engines := make(map[models.Engine]*engineState, len(opts.EngineLogs))
	for engine := range opts.EngineLogs {
		engines[engine] = &engineState{}
	}
	return &Aggregator{
		opts:    opts,
		log:     slog.With("component", "forum_aggregator"),
		ctx:     ctx,
		cancel:  cancel,
		engines: engines,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the tail loop.
func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		go a.loop()
	})
}

// Stop terminates the loop and waits for it to exit.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		close(a.stopCh)
	})
	<-a.doneCh
}

func (a *Aggregator) loop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.opts.TickInterval)
	defer ticker.Stop()
	a.log.Info("Forum aggregator started", "engines", len(a.engines))
	for {
		select {
		case <-a.stopCh:
			a.log.Info("Forum aggregator stopped")
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick performs one poll over all engine logs.
func (a *Aggregator) tick() {
	activity := false
	for _, engine := range models.Engines() {
		st, ok := a.engines[engine]
		if !ok {
			continue
		}
		if a.pollEngine(engine, st) {
			activity = true
		}
	}

	if activity {
		a.idleTicks = 0
		return
	}
	a.idleTicks++
	if a.running && a.idleTicks >= a.opts.IdleTicksLimit {
		a.endRun("讨论长时间无新内容,自动结束")
	}
}

// pollEngine reads newly appended bytes from one engine log and reports
// whether anything happened.
func (a *Aggregator) pollEngine(engine models.Engine, st *engineState) bool {
	path := a.opts.EngineLogs[engine]
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	size := info.Size()

	if size < st.offset {
		// Truncation or rotation.
		if a.running {
			a.endRun("引擎日志被重置")
		}
		st.reset()
		return true
	}
	if size == st.offset {
		return false
	}

	data, err := readRange(path, st.offset, size)
	if err != nil {
		a.log.Warn("Failed to read engine log", "engine", engine, "error", err)
		return false
	}
	st.offset = size

	lines := st.splitLines(data)
	if len(lines) == 0 {
		return true
	}
	st.lineCount += len(lines)

	for _, line := range lines {
		if !a.running {
			if !isFirstSummaryLine(line) {
				continue
			}
			a.beginRun()
			if !a.running {
				// Reset failed; leave the line unconsumed so a later
				// trigger can open the run cleanly.
				continue
			}
		}
		if content, ok := a.processLine(st, line); ok {
			a.emitContent(engine, content)
		}
	}
	return true
}

// splitLines merges carried partial data with the new chunk and returns the
// complete non-empty lines, keeping any unterminated tail for the next poll.
func (s *engineState) splitLines(data []byte) []string {
	text := s.partial + string(data)
	parts := strings.Split(text, "\n")
	s.partial = parts[len(parts)-1]
	var lines []string
	for _, line := range parts[:len(parts)-1] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// processLine advances the JSON-capture state machine for one log line and
// returns extracted content, if any.
func (a *Aggregator) processLine(st *engineState, line string) (string, bool) {
	if isErrorLine(line) {
		st.inErrorBlock = true
		st.dropCapture()
		return "", false
	}
	if isInfoLine(line) {
		st.inErrorBlock = false
	}
	if st.inErrorBlock {
		return "", false
	}

	if st.capturing {
		st.capture = append(st.capture, line)
		if captureClosed(line) {
			content, ok := extractJSONContent(st.capture)
			st.dropCapture()
			return content, ok
		}
		if len(st.capture) > captureMaxLines {
			a.log.Warn("Dropping runaway JSON capture", "lines", len(st.capture))
			st.dropCapture()
		}
		return "", false
	}

	if strings.Contains(line, cleanedOutputMarker) {
		// Single-line JSON extracts immediately; otherwise open a capture.
		if endsWithCloser(line) {
			if content, ok := extractJSONContent([]string{line}); ok {
				return content, true
			}
		}
		st.capturing = true
		st.capture = []string{line}
		return "", false
	}

	if isTargetLine(line) {
		stripped := strings.TrimSpace(stripTimestamp(line))
		if len([]rune(stripped)) > valuableContentMinChars && !containsExclusion(stripped) {
			return stripped, true
		}
	}
	return "", false
}

// emitContent writes one statement to forum.log, buffers it, and drives the
// moderator when the buffer reaches threshold.
func (a *Aggregator) emitContent(engine models.Engine, content string) {
	tag := engine.Tag()
	if err := a.opts.Writer.Write(tag, content); err != nil {
		a.log.Error("Failed to write forum entry", "tag", tag, "error", err)
		return
	}
	a.persist(tag, content)
	a.buffer = append(a.buffer, Entry{Tag: tag, Content: content})
	a.idleTicks = 0
	a.maybeModerate()
}

// persist forwards an accepted entry to the history sink, best-effort.
func (a *Aggregator) persist(tag, content string) {
	if a.opts.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.opts.Sink.SaveEntry(ctx, tag, content); err != nil {
		a.log.Warn("Failed to persist forum entry", "tag", tag, "error", err)
	}
}

// maybeModerate synchronously invokes the host LLM with the oldest buffered
// entries. The busy flag serializes generations.
func (a *Aggregator) maybeModerate() {
	if a.opts.Moderator == nil || a.hostBusy || len(a.buffer) < a.opts.BufferThreshold {
		return
	}
	a.hostBusy = true
	defer func() { a.hostBusy = false }()

	oldest := a.buffer[:a.opts.BufferThreshold]
	lines := make([]string, 0, len(oldest))
	for _, entry := range oldest {
		lines = append(lines, "["+entry.Tag+"] "+entry.Content)
	}

	summary := retry.Graceful(a.ctx, func() (string, error) {
		return a.opts.Moderator.Generate(a.ctx, llm.Request{
			System: prompt.SystemForumModerator,
			User:   prompt.ForumModerator(lines),
		})
	}, "", retry.Policy{InitialDelay: time.Second, Factor: 2, MaxDelay: 10 * time.Second, MaxAttempts: 2})
	if summary == "" {
		return
	}

	if err := a.opts.Writer.Write(TagHost, summary); err != nil {
		a.log.Error("Failed to write host entry", "error", err)
		return
	}
	a.persist(TagHost, summary)
	a.buffer = a.buffer[a.opts.BufferThreshold:]
	a.idleTicks = 0
}

func (a *Aggregator) beginRun() {
	if err := a.opts.Writer.Reset("议题讨论开始"); err != nil {
		a.log.Error("Failed to reset forum log", "error", err)
		return
	}
	a.persist(TagSystem, "议题讨论开始")
	a.running = true
	a.buffer = nil
	a.idleTicks = 0
	a.log.Info("Forum run started")
}

func (a *Aggregator) endRun(reason string) {
	if err := a.opts.Writer.Write(TagSystem, "议题讨论结束:"+reason); err != nil {
		a.log.Error("Failed to write forum end line", "error", err)
	}
	a.persist(TagSystem, "议题讨论结束:"+reason)
	a.running = false
	a.buffer = nil
	for _, st := range a.engines {
		st.dropCapture()
		st.inErrorBlock = false
	}
	a.log.Info("Forum run ended", "reason", reason)
}

func isFirstSummaryLine(line string) bool {
	if isErrorLine(line) || containsExclusion(line) {
		return false
	}
	lower := strings.ToLower(line)
	for _, marker := range firstSummaryMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func isTargetLine(line string) bool {
	for _, marker := range targetNodeMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func isErrorLine(line string) bool {
	return strings.Contains(line, "| ERROR") || strings.Contains(line, "[ERROR]")
}

func isInfoLine(line string) bool {
	return strings.Contains(line, "| INFO") || strings.Contains(line, "[INFO]")
}

func containsExclusion(line string) bool {
	for _, keyword := range exclusionKeywords {
		if strings.Contains(line, keyword) {
			return true
		}
	}
	return false
}

func readRange(path string, from, to int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(f, to-from))
}
