// Package baseline tracks per-engine artifact counts on disk. A persisted
// snapshot taken at task start is compared against live directory counts to
// decide when every engine has produced a new report artifact.
package baseline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bettafish/bettafish/pkg/models"
)

// DefaultSnapshotPath is where the baseline snapshot is persisted.
const DefaultSnapshotPath = "logs/report_baseline.json"

// Snapshot maps each engine to its artifact count at initialization time.
type Snapshot map[models.Engine]int

// Readiness is the result of comparing current artifact counts against the
// persisted baseline.
type Readiness struct {
	Ready    bool                     `json:"ready"`
	Baseline Snapshot                 `json:"baseline"`
	Current  Snapshot                 `json:"current"`
	Delta    Snapshot                 `json:"delta"`
	Missing  []models.Engine          `json:"missing"`
	Latest   map[models.Engine]string `json:"-"`
}

// Store persists and queries the baseline snapshot. The snapshot is rewritten
// only by Initialize; readiness checks never touch it.
type Store struct {
	mu       sync.RWMutex
	path     string
	snapshot Snapshot
}

// NewStore creates a Store backed by the given snapshot file (pass "" for the
// default path). A missing or unreadable snapshot file yields an empty
// baseline, which is the first-run state.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultSnapshotPath
	}
	s := &Store{path: path, snapshot: Snapshot{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read baseline snapshot, starting empty", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.snapshot); err != nil {
		slog.Warn("Corrupt baseline snapshot, starting empty", "path", path, "error", err)
		s.snapshot = Snapshot{}
	}
	return s
}

// Initialize counts the artifact files in each engine directory, stores the
// counts as the new baseline, and persists the snapshot. Idempotent while the
// directories are unchanged.
func (s *Store) Initialize(dirs map[models.Engine]string) (Snapshot, error) {
	counts, err := countAll(dirs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = counts
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	slog.Info("Baseline initialized",
		"path", s.path,
		"insight", counts[models.EngineInsight],
		"media", counts[models.EngineMedia],
		"query", counts[models.EngineQuery])
	return counts.clone(), nil
}

// CheckNewFiles compares the current artifact counts against the baseline.
// Ready means every configured engine has strictly more artifacts than it had
// at initialization. The check is side-effect-free.
func (s *Store) CheckNewFiles(dirs map[models.Engine]string) (Readiness, error) {
	current, err := countAll(dirs)
	if err != nil {
		return Readiness{}, err
	}

	s.mu.RLock()
	base := s.snapshot.clone()
	s.mu.RUnlock()

	result := Readiness{
		Ready:    true,
		Baseline: base,
		Current:  current,
		Delta:    Snapshot{},
	}
	for _, engine := range models.Engines() {
		if _, configured := dirs[engine]; !configured {
			continue
		}
		delta := current[engine] - base[engine]
		result.Delta[engine] = delta
		if delta <= 0 {
			result.Ready = false
			result.Missing = append(result.Missing, engine)
		}
	}
	return result, nil
}

// LatestFiles returns the newest artifact per engine by modification time.
// Engines with no artifacts are omitted.
func (s *Store) LatestFiles(dirs map[models.Engine]string) (map[models.Engine]string, error) {
	latest := make(map[models.Engine]string)
	for engine, dir := range dirs {
		matches, err := artifactFiles(dir)
		if err != nil {
			return nil, err
		}
		newest := ""
		var newestMod int64
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if newest == "" || info.ModTime().UnixNano() > newestMod {
				newest = path
				newestMod = info.ModTime().UnixNano()
			}
		}
		if newest != "" {
			latest[engine] = newest
		}
	}
	return latest, nil
}

// Snapshot returns a copy of the current baseline counts.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.clone()
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal baseline snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create baseline directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write baseline snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace baseline snapshot: %w", err)
	}
	return nil
}

func countAll(dirs map[models.Engine]string) (Snapshot, error) {
	counts := Snapshot{}
	for engine, dir := range dirs {
		matches, err := artifactFiles(dir)
		if err != nil {
			return nil, err
		}
		counts[engine] = len(matches)
	}
	return counts, nil
}

// artifactFiles lists the markdown artifacts in dir. A missing directory is
// not an error; it simply has zero artifacts.
func artifactFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return matches, nil
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
