// Package supervisor manages the lifecycle of the engine child processes,
// the forum aggregator, and the shared infrastructure (migrations, baseline
// snapshot). It owns all mutable system state behind a single mutex.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bettafish/bettafish/pkg/baseline"
	"github.com/bettafish/bettafish/pkg/config"
	"github.com/bettafish/bettafish/pkg/database"
	"github.com/bettafish/bettafish/pkg/forum"
	"github.com/bettafish/bettafish/pkg/llm"
	"github.com/bettafish/bettafish/pkg/models"
)

// Lifecycle timing defaults.
const (
	HealthProbeTimeout  = 30 * time.Second
	HealthProbeInterval = time.Second
	StopGrace           = 5 * time.Second
	CleanupTimeout      = 6 * time.Second
	ForceExitGrace      = 2 * time.Second
)

// healthPath is the readiness endpoint exposed by each engine child.
const healthPath = "/_stcore/health"

// EngineStatus is the externally visible state of one engine child.
type EngineStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
	Port    int  `json:"port"`
}

// Status is the externally visible supervisor state.
type Status struct {
	Started            bool                           `json:"started"`
	Starting           bool                           `json:"starting"`
	ShutdownInProgress bool                           `json:"shutdown_in_progress"`
	Engines            map[models.Engine]EngineStatus `json:"engines"`
}

// Supervisor owns the engine children, the forum aggregator, the baseline
// store, and the optional run-history database.
type Supervisor struct {
	cfg *config.Manager
	log *slog.Logger

	mu                 sync.Mutex
	started            bool
	starting           bool
	shutdownInProgress bool
	children           map[models.Engine]*child
	aggregator         *forum.Aggregator

	baselineStore *baseline.Store
	db            *database.Client

	healthClient   *http.Client
	healthTimeout  time.Duration
	healthInterval time.Duration

	// exit is swapped in tests to observe forced process exit.
	exit func(code int)
}

// New creates a Supervisor bound to the live configuration.
func New(cfg *config.Manager) *Supervisor {
	return &Supervisor{
		cfg:            cfg,
		log:            slog.With("component", "supervisor"),
		children:       make(map[models.Engine]*child),
		healthClient:   &http.Client{Timeout: 2 * time.Second},
		healthTimeout:  HealthProbeTimeout,
		healthInterval: HealthProbeInterval,
		exit:           os.Exit,
	}
}

// Baseline returns the report-artifact baseline store (nil before Initialize).
func (s *Supervisor) Baseline() *baseline.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baselineStore
}

// Database returns the run-history client, nil when the store is disabled.
func (s *Supervisor) Database() *database.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Started reports whether the system is up.
func (s *Supervisor) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Status returns a snapshot of the supervisor and engine states.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	engines := make(map[models.Engine]EngineStatus)
	for engine, es := range s.cfg.Current().Engines {
		st := EngineStatus{Port: es.Port}
		if c, ok := s.children[engine]; ok && c.alive() {
			st.Running = true
			st.PID = c.pid()
		}
		engines[engine] = st
	}
	return Status{
		Started:            s.started,
		Starting:           s.starting,
		ShutdownInProgress: s.shutdownInProgress,
		Engines:            engines,
	}
}

// Initialize brings the whole system up: migrations, engine children with
// health probes, the forum aggregator, and the report baseline. On any step
// failure the already-started children are cleaned up concurrently and the
// accumulated errors are returned.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdownInProgress {
		s.mu.Unlock()
		return errors.New("shutdown in progress")
	}
	if s.started || s.starting {
		s.mu.Unlock()
		return errors.New("system already started or starting")
	}
	s.starting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	settings := s.cfg.Current()
	if err := os.MkdirAll(settings.LogsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	if err := os.MkdirAll(settings.FinalReportsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}

	var errs []error

	if settings.Database.Enabled() {
		db, err := database.NewClient(ctx, database.Config{
			Host:     settings.Database.Host,
			Port:     settings.Database.Port,
			User:     settings.Database.User,
			Password: settings.Database.Password,
			Database: settings.Database.Database,
			SSLMode:  settings.Database.SSLMode,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("run-history store unavailable: %w", err))
		} else {
			s.mu.Lock()
			s.db = db
			s.mu.Unlock()
		}
	}

	s.stopAggregator()

	for _, engine := range models.Engines() {
		es, ok := settings.Engines[engine]
		if !ok || len(es.Command) == 0 {
			s.log.Info("Engine not spawned, managed externally", "engine", engine)
			continue
		}
		c, err := s.startEngine(ctx, engine, es, settings.LogsDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("engine %s: %w", engine, err))
			break
		}
		s.mu.Lock()
		s.children[engine] = c
		s.mu.Unlock()
	}

	if len(errs) > 0 {
		s.CleanupConcurrent(CleanupTimeout)
		return errors.Join(errs...)
	}

	s.startAggregator(settings)

	store := baseline.NewStore(filepath.Join(settings.LogsDir, "report_baseline.json"))
	if _, err := store.Initialize(settings.ReportArtifactDirs()); err != nil {
		s.log.Warn("Baseline initialization failed", "error", err)
	}

	s.mu.Lock()
	s.baselineStore = store
	s.started = true
	s.mu.Unlock()

	s.log.Info("System initialized")
	return nil
}

// startEngine spawns one engine child, tees its output to the per-engine log
// file, and waits for its health endpoint to answer.
func (s *Supervisor) startEngine(ctx context.Context, engine models.Engine, es config.EngineSettings, logsDir string) (*child, error) {
	logPath := filepath.Join(logsDir, string(engine)+".log")
	c, err := spawn(engine, es.Command, logPath)
	if err != nil {
		return nil, err
	}
	s.log.Info("Engine spawned", "engine", engine, "pid", c.pid(), "log", logPath)

	if err := s.probeHealth(ctx, es.Port); err != nil {
		c.stop(StopGrace)
		return nil, fmt.Errorf("health probe failed: %w", err)
	}
	s.log.Info("Engine healthy", "engine", engine, "port", es.Port)
	return c, nil
}

// probeHealth polls the engine readiness endpoint at 1 Hz until it answers
// 200 or the probe window elapses.
func (s *Supervisor) probeHealth(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
	deadline := time.Now().Add(s.healthTimeout)
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.healthClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine did not become healthy within %s", s.healthTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startAggregator builds and starts the forum aggregator over the per-engine
// log files.
func (s *Supervisor) startAggregator(settings *config.Settings) {
	engineLogs := make(map[models.Engine]string)
	for _, engine := range models.Engines() {
		engineLogs[engine] = filepath.Join(settings.LogsDir, string(engine)+".log")
	}

	var moderator llm.Client
	if settings.ForumLLM.Configured() {
		moderator = llm.NewClient(llm.Options{
			Label:   "forum",
			APIKey:  settings.ForumLLM.APIKey,
			BaseURL: settings.ForumLLM.BaseURL,
			Model:   settings.ForumLLM.Model,
		})
	}

	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	var sink forum.EntrySink
	if db != nil {
		sink = forumHistorySink{db: db}
	}

	agg := forum.NewAggregator(forum.Options{
		EngineLogs:      engineLogs,
		Writer:          forum.NewWriter(filepath.Join(settings.LogsDir, "forum.log")),
		Moderator:       moderator,
		Sink:            sink,
		BufferThreshold: settings.Forum.BufferThreshold,
		IdleTicksLimit:  settings.Forum.IdleTicksLimit,
	})
	agg.Start()

	s.mu.Lock()
	s.aggregator = agg
	s.mu.Unlock()
}

func (s *Supervisor) stopAggregator() {
	s.mu.Lock()
	agg := s.aggregator
	s.aggregator = nil
	s.mu.Unlock()
	if agg != nil {
		agg.Stop()
	}
}

// forumHistorySink mirrors forum.log entries into the run-history store.
type forumHistorySink struct {
	db *database.Client
}

func (f forumHistorySink) SaveEntry(ctx context.Context, tag, content string) error {
	return f.db.SaveForumEntry(ctx, database.ForumEntry{Tag: tag, Content: content})
}

// ForumLogPath returns the aggregated forum log file path.
func (s *Supervisor) ForumLogPath() string {
	return filepath.Join(s.cfg.Current().LogsDir, "forum.log")
}

// CleanupConcurrent stops the aggregator and fans out child stops with a
// shared deadline. Children that fail to stop in time are force-killed. The
// system is marked stopped regardless of individual outcomes.
func (s *Supervisor) CleanupConcurrent(timeout time.Duration) {
	s.stopAggregator()

	s.mu.Lock()
	children := s.children
	s.children = make(map[models.Engine]*child)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for engine, c := range children {
		wg.Add(1)
		go func(engine models.Engine, c *child) {
			defer wg.Done()
			if err := c.stop(StopGrace); err != nil {
				s.log.Warn("Engine stop failed", "engine", engine, "error", err)
			}
		}(engine, c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("Cleanup deadline exceeded, force killing survivors")
		for _, c := range children {
			c.kill()
		}
	}

	s.mu.Lock()
	s.started = false
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db != nil {
		_ = db.Close()
	}
	s.log.Info("System stopped")
}

// AsyncShutdown schedules cleanup on a background goroutine and returns
// immediately. The process force-exits after timeout plus a grace period in
// case cleanup hangs.
func (s *Supervisor) AsyncShutdown(timeout time.Duration) {
	s.mu.Lock()
	if s.shutdownInProgress {
		s.mu.Unlock()
		return
	}
	s.shutdownInProgress = true
	exit := s.exit
	s.mu.Unlock()

	s.log.Info("Shutdown scheduled", "timeout", timeout)
	go func() {
		forceTimer := time.AfterFunc(timeout+ForceExitGrace, func() {
			s.log.Error("Cleanup overran, forcing process exit")
			exit(1)
		})
		s.CleanupConcurrent(timeout)
		forceTimer.Stop()
		exit(0)
	}()
}
