package config

import "fmt"

// ConfigError reports missing or invalid configuration, surfaced at
// component construction.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// NewConfigError creates a ConfigError.
func NewConfigError(key, reason string) *ConfigError {
	return &ConfigError{Key: key, Reason: reason}
}
