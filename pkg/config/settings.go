// Package config loads and persists the layered runtime configuration:
// built-in defaults ← .env file (CWD preferred, then project root) ← process
// environment. Reload is explicit; updates merge back into the .env file
// preserving comments and ordering.
package config

import (
	"time"

	"github.com/bettafish/bettafish/pkg/models"
)

// LLMCredential holds the OpenAI-compatible access settings for one role.
type LLMCredential struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Configured reports whether the credential can be used.
func (c LLMCredential) Configured() bool {
	return c.APIKey != "" && c.Model != ""
}

// EngineSettings holds per-engine child process and artifact settings.
type EngineSettings struct {
	// Port is the fixed HTTP port of the engine's standalone server.
	Port int

	// ReportsDir is the directory where the engine drops .md artifacts.
	ReportsDir string

	// Command is the child process argv. Empty disables spawning (the
	// engine is expected to be managed externally).
	Command []string
}

// PipelineSettings groups report pipeline knobs.
type PipelineSettings struct {
	// ChapterJSONMaxAttempts is the per-chapter generation attempt budget.
	// The effective budget is max(this, 3) — sparse-content recovery needs
	// at least three candidates.
	ChapterJSONMaxAttempts int

	// StructuralRetryAttempts bounds stage-level retries for wrong-shape
	// LLM output (template selection, layout, word budget).
	StructuralRetryAttempts int

	// LLMCallTimeout is the per-LLM-call deadline.
	LLMCallTimeout time.Duration

	// ContentSparseMinChars is the minimum chapter body character count
	// below which a chapter is considered sparse.
	ContentSparseMinChars int
}

// SSESettings groups streaming endpoint knobs.
type SSESettings struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
}

// ForumSettings groups forum aggregator knobs.
type ForumSettings struct {
	// BufferThreshold is the number of buffered statements that triggers a
	// moderator invocation.
	BufferThreshold int

	// IdleTicksLimit is the number of consecutive quiet ticks after which
	// the aggregator resets to idle (default 7200 ≈ 2h at 1 Hz).
	IdleTicksLimit int
}

// DatabaseSettings holds the optional run-history store configuration.
// The store is disabled when Host is empty.
type DatabaseSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Enabled reports whether the run-history store should be used.
func (d DatabaseSettings) Enabled() bool { return d.Host != "" }

// Settings is the complete runtime configuration.
type Settings struct {
	HTTPPort string

	LogsDir         string
	FinalReportsDir string
	TemplatesDir    string

	Engines map[models.Engine]EngineSettings

	// LLM credentials by role. Report drives the pipeline, Forum the
	// moderator; engine roles double as rescue (fallback) clients.
	ReportLLM  LLMCredential
	ForumLLM   LLMCredential
	InsightLLM LLMCredential
	MediaLLM   LLMCredential
	QueryLLM   LLMCredential

	Pipeline PipelineSettings
	SSE      SSESettings
	Forum    ForumSettings
	Database DatabaseSettings

	// TaskRegistryLimit bounds the in-memory report task registry.
	TaskRegistryLimit int
}

// Defaults returns the built-in configuration.
func Defaults() *Settings {
	return &Settings{
		HTTPPort:        "8080",
		LogsDir:         "logs",
		FinalReportsDir: "final_reports",
		TemplatesDir:    "templates",
		Engines: map[models.Engine]EngineSettings{
			models.EngineInsight: {Port: 8501, ReportsDir: "insight_engine_streamlit_reports"},
			models.EngineMedia:   {Port: 8502, ReportsDir: "media_engine_streamlit_reports"},
			models.EngineQuery:   {Port: 8503, ReportsDir: "query_engine_streamlit_reports"},
		},
		Pipeline: PipelineSettings{
			ChapterJSONMaxAttempts:  3,
			StructuralRetryAttempts: 2,
			LLMCallTimeout:          900 * time.Second,
			ContentSparseMinChars:   200,
		},
		SSE: SSESettings{
			HeartbeatInterval: 15 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Forum: ForumSettings{
			BufferThreshold: 5,
			IdleTicksLimit:  7200,
		},
		Database: DatabaseSettings{
			Port:     5432,
			User:     "bettafish",
			Database: "bettafish",
			SSLMode:  "disable",
		},
		TaskRegistryLimit: 50,
	}
}

// ReportArtifactDirs returns engine → artifact directory for baseline checks.
func (s *Settings) ReportArtifactDirs() map[models.Engine]string {
	dirs := make(map[models.Engine]string, len(s.Engines))
	for engine, es := range s.Engines {
		dirs[engine] = es.ReportsDir
	}
	return dirs
}

// RescueCredentials returns the ordered fallback credentials used by the
// chapter JSON-recovery path: report first, then forum, then engine roles.
func (s *Settings) RescueCredentials() []struct {
	Label string
	Cred  LLMCredential
} {
	all := []struct {
		Label string
		Cred  LLMCredential
	}{
		{"report", s.ReportLLM},
		{"forum", s.ForumLLM},
		{"insight", s.InsightLLM},
		{"media", s.MediaLLM},
		{"query", s.QueryLLM},
	}
	configured := all[:0]
	for _, entry := range all {
		if entry.Cred.Configured() {
			configured = append(configured, entry)
		}
	}
	return configured
}
