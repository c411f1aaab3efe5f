package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"

	"github.com/bettafish/bettafish/pkg/models"
)

// envFileName is the configuration file name searched for in the CWD and the
// project root.
const envFileName = ".env"

// FindEnvFile locates the .env file: CWD first, then the project root (the
// first ancestor containing go.mod). Returns "" when none exists.
func FindEnvFile() string {
	if _, err := os.Stat(envFileName); err == nil {
		abs, err := filepath.Abs(envFileName)
		if err == nil {
			return abs
		}
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			candidate := filepath.Join(dir, envFileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Load builds Settings from defaults, the given .env file (may be ""), and
// the process environment. The .env file is loaded non-destructively: real
// environment variables win over file entries.
func Load(envPath string) (*Settings, error) {
	if envPath != "" {
		if err := loadEnvFile(envPath); err != nil {
			slog.Warn("Could not load .env file, continuing with existing environment",
				"path", envPath, "error", err)
		} else {
			slog.Info("Loaded environment", "path", envPath)
		}
	}

	loaded := fromEnv()
	defaults := Defaults()
	if err := mergo.Merge(loaded, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}
	// Map values are not addressable, so mergo cannot fill struct fields
	// inside the Engines map; finish that merge by hand.
	for engine, def := range defaults.Engines {
		es := loaded.Engines[engine]
		if es.Port == 0 {
			es.Port = def.Port
		}
		if es.ReportsDir == "" {
			es.ReportsDir = def.ReportsDir
		}
		if len(es.Command) == 0 {
			es.Command = def.Command
		}
		loaded.Engines[engine] = es
	}
	return loaded, nil
}

// loadEnvFile reads the file into the process environment without overriding
// variables that are already set.
func loadEnvFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return err
	}
	for key, value := range values {
		if _, present := os.LookupEnv(key); !present {
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// fromEnv reads recognized keys from the process environment into a sparse
// Settings value. Unset keys stay zero so mergo can fill defaults.
func fromEnv() *Settings {
	s := &Settings{
		HTTPPort:        os.Getenv("HTTP_PORT"),
		LogsDir:         os.Getenv("LOGS_DIR"),
		FinalReportsDir: os.Getenv("FINAL_REPORTS_DIR"),
		TemplatesDir:    os.Getenv("TEMPLATES_DIR"),
		Engines: map[models.Engine]EngineSettings{
			models.EngineInsight: {
				Port:       envInt("INSIGHT_ENGINE_PORT"),
				ReportsDir: os.Getenv("INSIGHT_REPORTS_DIR"),
				Command:    envCommand("INSIGHT_ENGINE_COMMAND"),
			},
			models.EngineMedia: {
				Port:       envInt("MEDIA_ENGINE_PORT"),
				ReportsDir: os.Getenv("MEDIA_REPORTS_DIR"),
				Command:    envCommand("MEDIA_ENGINE_COMMAND"),
			},
			models.EngineQuery: {
				Port:       envInt("QUERY_ENGINE_PORT"),
				ReportsDir: os.Getenv("QUERY_REPORTS_DIR"),
				Command:    envCommand("QUERY_ENGINE_COMMAND"),
			},
		},
		ReportLLM:  credentialFromEnv("REPORT"),
		ForumLLM:   credentialFromEnv("FORUM"),
		InsightLLM: credentialFromEnv("INSIGHT"),
		MediaLLM:   credentialFromEnv("MEDIA"),
		QueryLLM:   credentialFromEnv("QUERY"),
		Pipeline: PipelineSettings{
			ChapterJSONMaxAttempts:  envInt("CHAPTER_JSON_MAX_ATTEMPTS"),
			StructuralRetryAttempts: envInt("STRUCTURAL_RETRY_ATTEMPTS"),
			LLMCallTimeout:          envDuration("LLM_CALL_TIMEOUT"),
			ContentSparseMinChars:   envInt("CONTENT_SPARSE_MIN_CHARS"),
		},
		SSE: SSESettings{
			HeartbeatInterval: envDuration("SSE_HEARTBEAT_INTERVAL"),
			IdleTimeout:       envDuration("SSE_IDLE_TIMEOUT"),
		},
		Forum: ForumSettings{
			BufferThreshold: envInt("FORUM_BUFFER_THRESHOLD"),
			IdleTicksLimit:  envInt("FORUM_IDLE_TICKS_LIMIT"),
		},
		Database: DatabaseSettings{
			Host:     os.Getenv("DB_HOST"),
			Port:     envInt("DB_PORT"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Database: os.Getenv("DB_NAME"),
			SSLMode:  os.Getenv("DB_SSLMODE"),
		},
		TaskRegistryLimit: envInt("TASK_REGISTRY_LIMIT"),
	}
	return s
}

func credentialFromEnv(role string) LLMCredential {
	return LLMCredential{
		APIKey:  os.Getenv(role + "_LLM_API_KEY"),
		BaseURL: os.Getenv(role + "_LLM_BASE_URL"),
		Model:   os.Getenv(role + "_LLM_MODEL"),
	}
}

// envCommand splits a whitespace-separated argv. Arguments with embedded
// spaces are not supported; engine launch commands do not need them.
func envCommand(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, ignoring", "key", key, "value", v)
		return 0
	}
	return n
}

// envDuration accepts Go duration syntax ("15s") or a bare integer seconds
// count ("15"), matching how the keys were historically written.
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	slog.Warn("Invalid duration in environment, ignoring", "key", key, "value", v)
	return 0
}
