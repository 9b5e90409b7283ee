// Package config persists CLI preferences under the user config
// directory. Environment variables always win; the config file only
// supplies defaults for what the environment leaves unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the user's persistent preferences.
type Config struct {
	Provider string `json:"provider,omitempty"`  // openai, anthropic, mock, ...
	Model    string `json:"model,omitempty"`     // default model id for the provider
	BaseURL  string `json:"base_url,omitempty"`  // optional API base URL override
	LogDir   string `json:"log_dir,omitempty"`   // default eval log directory
	ScansDir string `json:"scans_dir,omitempty"` // default scan output directory
	CacheDir string `json:"cache_dir,omitempty"` // default generate cache directory
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a manager rooted at the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "verdict")}, nil
}

// Path returns the absolute path of the config file.
func (m *Manager) Path() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration. A missing file is an empty config, not
// an error.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.Path())
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration with owner-only permissions; it may
// hold credentials-adjacent values like base URLs.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists reports whether a config file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.Path())
	return !os.IsNotExist(err)
}

// Set assigns a named field from its string value.
func (c *Config) Set(key, value string) error {
	switch key {
	case "provider":
		c.Provider = value
	case "model":
		c.Model = value
	case "base_url":
		c.BaseURL = value
	case "log_dir":
		c.LogDir = value
	case "scans_dir":
		c.ScansDir = value
	case "cache_dir":
		c.CacheDir = value
	default:
		return fmt.Errorf("unknown config key: %s (supported: provider, model, base_url, log_dir, scans_dir, cache_dir)", key)
	}
	return nil
}

// Env maps the config onto the environment variables the rest of the
// CLI reads, so the file behaves exactly like a persistent .env.
func (c *Config) Env() map[string]string {
	out := map[string]string{}
	if c.Provider != "" {
		out["VERDICT_PROVIDER"] = c.Provider
	}
	if c.Model != "" {
		out["VERDICT_MODEL"] = c.Model
	}
	if c.BaseURL != "" {
		out["VERDICT_BASE_URL"] = c.BaseURL
	}
	if c.LogDir != "" {
		out["VERDICT_LOG_DIR"] = c.LogDir
	}
	if c.ScansDir != "" {
		out["VERDICT_SCANS_DIR"] = c.ScansDir
	}
	if c.CacheDir != "" {
		out["VERDICT_CACHE_DIR"] = c.CacheDir
	}
	return out
}
