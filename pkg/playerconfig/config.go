// Package playerconfig holds the player's CMS connection settings and
// their JSON persistence.
package playerconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config is the player's connection configuration. Fields map onto the
// POST /config body; empty fields in an update leave the stored value
// unchanged.
type Config struct {
	CMSURL      string `json:"cmsUrl"`
	CMSKey      string `json:"cmsKey,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	HardwareKey string `json:"hardwareKey,omitempty"`
	XMRChannel  string `json:"xmrChannel,omitempty"`
}

// Manager guards the in-memory configuration and its optional file
// persistence.
type Manager struct {
	mu   sync.RWMutex
	cfg  Config
	path string // empty disables persistence
}

// NewManager builds a manager persisting to path; an empty path keeps
// the configuration in memory only.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load reads the persisted configuration if one exists.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update merges non-empty fields of update into the configuration and
// persists the result.
func (m *Manager) Update(update Config) (Config, error) {
	m.mu.Lock()
	if update.CMSURL != "" {
		m.cfg.CMSURL = update.CMSURL
	}
	if update.CMSKey != "" {
		m.cfg.CMSKey = update.CMSKey
	}
	if update.DisplayName != "" {
		m.cfg.DisplayName = update.DisplayName
	}
	if update.HardwareKey != "" {
		m.cfg.HardwareKey = update.HardwareKey
	}
	if update.XMRChannel != "" {
		m.cfg.XMRChannel = update.XMRChannel
	}
	cfg := m.cfg
	m.mu.Unlock()

	if err := m.save(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// save persists the configuration atomically.
func (m *Manager) save(cfg Config) error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, m.path)
}
