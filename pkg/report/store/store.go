// Package store persists per-chapter report artifacts: a run directory per
// report, a folder per chapter holding the raw LLM stream and the validated
// JSON payload, and a manifest indexing chapter statuses.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Chapter statuses recorded in the manifest.
const (
	StatusStreaming = "streaming"
	StatusReady     = "ready"
	StatusInvalid   = "invalid"
)

// Artifact file names within a chapter directory.
const (
	StreamFileName  = "stream.raw"
	ChapterFileName = "chapter.json"
	manifestName    = "manifest.json"
)

// ChapterMeta identifies a chapter being written.
type ChapterMeta struct {
	ChapterID string `json:"chapterId"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Order     int    `json:"order"`
}

// ChapterFiles points at the artifacts persisted for a chapter.
type ChapterFiles struct {
	Raw  string `json:"raw,omitempty"`
	JSON string `json:"json,omitempty"`
}

// ChapterRecord is one manifest entry.
type ChapterRecord struct {
	ChapterID string       `json:"chapterId"`
	Slug      string       `json:"slug"`
	Title     string       `json:"title"`
	Order     int          `json:"order"`
	Status    string       `json:"status"`
	Files     ChapterFiles `json:"files"`
	Errors    []string     `json:"errors,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Manifest indexes a report run directory.
type Manifest struct {
	ReportID  string          `json:"reportId"`
	CreatedAt time.Time       `json:"createdAt"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Chapters  []ChapterRecord `json:"chapters"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

// Store manages run directories under a base path. Operations on the same
// run are serialized by a per-run mutex; manifest writes are atomic.
type Store struct {
	base string

	mu   sync.Mutex
	runs map[string]*sync.Mutex
}

// NewStore creates a Store rooted at base.
func NewStore(base string) *Store {
	return &Store{base: base, runs: make(map[string]*sync.Mutex)}
}

// StartSession creates the run directory for a report and writes the initial
// manifest with an empty chapters list.
func (s *Store) StartSession(reportID string, metadata map[string]any) (string, error) {
	runDir := filepath.Join(s.base, reportID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	manifest := Manifest{
		ReportID:  reportID,
		CreatedAt: time.Now(),
		Metadata:  metadata,
		Chapters:  []ChapterRecord{},
	}
	lock := s.runLock(runDir)
	lock.Lock()
	defer lock.Unlock()
	if err := writeManifest(runDir, &manifest); err != nil {
		return "", err
	}
	slog.Info("Report session started", "report_id", reportID, "run_dir", runDir)
	return runDir, nil
}

// BeginChapter creates the chapter directory and records the chapter as
// streaming in the manifest.
func (s *Store) BeginChapter(runDir string, meta ChapterMeta) (string, error) {
	slug := SafeSlug(meta.Slug)
	chapterDir := filepath.Join(runDir, fmt.Sprintf("%03d-%s", meta.Order, slug))
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create chapter directory: %w", err)
	}

	record := ChapterRecord{
		ChapterID: meta.ChapterID,
		Slug:      slug,
		Title:     meta.Title,
		Order:     meta.Order,
		Status:    StatusStreaming,
		Files:     ChapterFiles{Raw: filepath.Join(chapterDir, StreamFileName)},
		UpdatedAt: time.Now(),
	}
	if err := s.upsertRecord(runDir, record); err != nil {
		return "", err
	}
	return chapterDir, nil
}

// CaptureStream opens the raw stream file for a chapter. The caller must
// close the returned writer on every exit path.
func (s *Store) CaptureStream(chapterDir string) (*os.File, error) {
	f, err := os.Create(filepath.Join(chapterDir, StreamFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream capture: %w", err)
	}
	return f, nil
}

// PersistChapter writes chapter.json and upserts the manifest record. An
// empty errs slice marks the chapter ready; otherwise it is persisted as
// invalid with the errors attached for forensic use.
func (s *Store) PersistChapter(runDir string, meta ChapterMeta, payload map[string]any, errs []string) (string, error) {
	slug := SafeSlug(meta.Slug)
	chapterDir := filepath.Join(runDir, fmt.Sprintf("%03d-%s", meta.Order, slug))
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create chapter directory: %w", err)
	}

	jsonPath := filepath.Join(chapterDir, ChapterFileName)
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal chapter payload: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write chapter payload: %w", err)
	}

	status := StatusReady
	if len(errs) > 0 {
		status = StatusInvalid
	}
	record := ChapterRecord{
		ChapterID: meta.ChapterID,
		Slug:      slug,
		Title:     meta.Title,
		Order:     meta.Order,
		Status:    status,
		Files: ChapterFiles{
			Raw:  filepath.Join(chapterDir, StreamFileName),
			JSON: jsonPath,
		},
		Errors:    errs,
		UpdatedAt: time.Now(),
	}
	if err := s.upsertRecord(runDir, record); err != nil {
		return "", err
	}
	slog.Info("Chapter persisted",
		"run_dir", runDir,
		"chapter_id", meta.ChapterID,
		"status", status)
	return jsonPath, nil
}

// LoadChapters reads every valid chapter.json under runDir, sorted by the
// manifest order. Invalid chapters are skipped.
func (s *Store) LoadChapters(runDir string) ([]map[string]any, error) {
	lock := s.runLock(runDir)
	lock.Lock()
	manifest, err := readManifest(runDir)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	records := make([]ChapterRecord, len(manifest.Chapters))
	copy(records, manifest.Chapters)
	sort.SliceStable(records, func(i, j int) bool { return records[i].Order < records[j].Order })

	var chapters []map[string]any
	for _, record := range records {
		if record.Status != StatusReady || record.Files.JSON == "" {
			continue
		}
		data, err := os.ReadFile(record.Files.JSON)
		if err != nil {
			slog.Warn("Skipping unreadable chapter file", "path", record.Files.JSON, "error", err)
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Warn("Skipping corrupt chapter file", "path", record.Files.JSON, "error", err)
			continue
		}
		chapters = append(chapters, payload)
	}
	return chapters, nil
}

// Manifest returns the current manifest for a run.
func (s *Store) Manifest(runDir string) (*Manifest, error) {
	lock := s.runLock(runDir)
	lock.Lock()
	defer lock.Unlock()
	return readManifest(runDir)
}

// upsertRecord merges one chapter record into the manifest and rewrites it
// atomically. Records are keyed by chapterId and kept sorted by order.
func (s *Store) upsertRecord(runDir string, record ChapterRecord) error {
	lock := s.runLock(runDir)
	lock.Lock()
	defer lock.Unlock()

	manifest, err := readManifest(runDir)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range manifest.Chapters {
		if existing.ChapterID == record.ChapterID {
			manifest.Chapters[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		manifest.Chapters = append(manifest.Chapters, record)
	}
	sort.SliceStable(manifest.Chapters, func(i, j int) bool {
		return manifest.Chapters[i].Order < manifest.Chapters[j].Order
	})
	now := time.Now()
	manifest.UpdatedAt = &now
	return writeManifest(runDir, manifest)
}

func (s *Store) runLock(runDir string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.runs[runDir]
	if !ok {
		lock = &sync.Mutex{}
		s.runs[runDir] = lock
	}
	return lock
}

func readManifest(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// writeManifest persists atomically: write to a temp file in the same
// directory, then rename over the target.
func writeManifest(runDir string, manifest *Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	path := filepath.Join(runDir, manifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

var unsafeSlugChars = regexp.MustCompile(`[^A-Za-z0-9\x{4e00}-\x{9fff}_-]+`)

// SafeSlug strips characters outside the allowed set, collapses dash runs,
// and falls back to "section" when nothing survives.
func SafeSlug(slug string) string {
	cleaned := unsafeSlugChars.ReplaceAllString(slug, "-")
	for strings.Contains(cleaned, "--") {
		cleaned = strings.ReplaceAll(cleaned, "--", "-")
	}
	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		return "section"
	}
	return cleaned
}
