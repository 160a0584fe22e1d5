package config

import (
	"fmt"
	"sync"
)

// Manager guards the live configuration snapshot and persists every
// successful update back to the file it was loaded from.
type Manager struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// NewManager wraps cfg. An empty path disables write-back.
func NewManager(path string, cfg *Config) *Manager {
	return &Manager{path: path, cfg: *cfg}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Update applies fn to a copy of the configuration, validates the result and
// writes it back. The live snapshot is only replaced when every step succeeds.
// fn runs under the manager lock, so it sees the latest committed values.
func (m *Manager) Update(fn func(*Config) error) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	if err := fn(&next); err != nil {
		return m.cfg, err
	}
	normalize(&next)
	if err := next.Validate(); err != nil {
		return m.cfg, err
	}
	if m.path != "" {
		if err := Save(m.path, &next); err != nil {
			return m.cfg, fmt.Errorf("failed to persist config: %w", err)
		}
	}
	m.cfg = next
	return next, nil
}
