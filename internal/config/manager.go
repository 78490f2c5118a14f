package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the config file, writing the defaults there first when it does
// not exist yet. Environment overrides are applied on top of the file.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := DefaultConfig()
	data, err := os.ReadFile(m.configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := m.write(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		// Keys absent from the file keep their default values.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m.config = cfg
	return cfg, nil
}

// Save validates cfg and stores it.
func (m *Manager) Save(cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(cfg); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// write replaces the config file through a temp file. Callers hold m.mu.
func (m *Manager) write(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Get returns a copy of the loaded configuration, or the defaults before the
// first Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}
	cfg := *m.config
	cfg.Catalog.Models = slices.Clone(m.config.Catalog.Models)
	cfg.Security.AllowedOrigins = slices.Clone(m.config.Security.AllowedOrigins)
	if sq := m.config.Storage.SQLite; sq != nil {
		c := *sq
		c.Pragmas = maps.Clone(sq.Pragmas)
		cfg.Storage.SQLite = &c
	}
	return &cfg
}
