package config

import (
	"log/slog"
	"os"
	"sync"
)

// Manager owns the live Settings value. Readers take a snapshot pointer via
// Current; Reload and Update swap it atomically under the lock.
type Manager struct {
	mu       sync.RWMutex
	settings *Settings
	envPath  string
}

// NewManager loads the initial settings from envPath (pass "" to rely on the
// process environment and defaults only).
func NewManager(envPath string) (*Manager, error) {
	settings, err := Load(envPath)
	if err != nil {
		return nil, err
	}
	return &Manager{settings: settings, envPath: envPath}, nil
}

// Current returns the live settings snapshot. The returned pointer must be
// treated as read-only.
func (m *Manager) Current() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// EnvPath returns the .env file backing this manager ("" when none).
func (m *Manager) EnvPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.envPath
}

// Reload re-reads the .env file and process environment.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, err := Load(m.envPath)
	if err != nil {
		return err
	}
	m.settings = settings
	slog.Info("Settings reloaded", "env_path", m.envPath)
	return nil
}

// Update persists key-value pairs to the .env file, exports them to the
// process environment, and reloads the in-memory settings.
func (m *Manager) Update(updates map[string]string) error {
	m.mu.Lock()
	path := m.envPath
	if path == "" {
		path = envFileName
		m.envPath = path
	}
	m.mu.Unlock()

	if err := UpdateEnvFile(path, updates); err != nil {
		return err
	}
	for key, value := range updates {
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return m.Reload()
}
