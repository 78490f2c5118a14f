package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/storage"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 8000, config.Server.Port)
	assert.Equal(t, 3600, config.Session.TTL)
	assert.Equal(t, 512, config.Inference.MaxNewTokens)
	assert.Equal(t, 0.7, config.Inference.Temperature)
	require.Len(t, config.Catalog.Models, 2)
	assert.Equal(t, "svamp", config.Catalog.Models[0].Name)
	assert.Equal(t, "tinystories", config.Catalog.Models[1].Name)
	assert.Equal(t, 24, config.Catalog.Models[0].Depth)
	// Tests never fetch from the hub.
	assert.False(t, config.Catalog.Fetch)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"single base model", func(c *Config) { c.Catalog.Models = c.Catalog.Models[:1] }, "at least two"},
		{"duplicate name", func(c *Config) { c.Catalog.Models[1].Name = "svamp" }, "duplicate"},
		{"bad name", func(c *Config) { c.Catalog.Models[0].Name = "sv amp" }, "invalid base model name"},
		{"zero depth", func(c *Config) { c.Catalog.Models[0].Depth = 0 }, "depth"},
		{"unknown format", func(c *Config) { c.Catalog.Models[0].Format = "onnx" }, "unknown format"},
		{"session ttl", func(c *Config) { c.Session.TTL = 0 }, "session ttl"},
		{"workers", func(c *Config) { c.Tasks.Workers = 0 }, "workers"},
		{"queue", func(c *Config) { c.Tasks.QueueSize = 0 }, "queue size"},
		{"temperature", func(c *Config) { c.Inference.Temperature = -1 }, "temperature"},
		{"sqlite path", func(c *Config) {
			c.Storage.Type = storage.StorageTypeSQLite
			c.Storage.SQLite.Path = ""
		}, "requires a path"},
		{"storage type", func(c *Config) { c.Storage.Type = "postgresql" }, "unsupported storage type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestManagerLoadSave(t *testing.T) {
	tmpDir := t.TempDir()
	manager := NewManagerWithPath(filepath.Join(tmpDir, "evolver.config.yaml"))

	t.Run("Load creates default config when file doesn't exist", func(t *testing.T) {
		config, err := manager.Load()
		require.NoError(t, err)
		assert.Equal(t, 8000, config.Server.Port)

		_, err = os.Stat(manager.GetConfigPath())
		assert.NoError(t, err)
	})

	t.Run("Save and Load config", func(t *testing.T) {
		config := DefaultConfig()
		config.Server.Port = 9090
		config.Catalog.Models = append(config.Catalog.Models, ModelEntry{Name: "extra", Depth: 12, Format: FormatGGUF})
		require.NoError(t, manager.Save(config))

		loaded, err := NewManagerWithPath(manager.GetConfigPath()).Load()
		require.NoError(t, err)
		assert.Equal(t, 9090, loaded.Server.Port)
		assert.Len(t, loaded.Catalog.Models, 3)
	})

	t.Run("Save validates config", func(t *testing.T) {
		config := DefaultConfig()
		config.Server.Port = -1
		err := manager.Save(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("Get returns a copy", func(t *testing.T) {
		got := manager.Get()
		got.Catalog.Models[0].Name = "changed"
		assert.Equal(t, "svamp", manager.Get().Catalog.Models[0].Name)
	})
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolver.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8123\n"), 0o644))

	config, err := NewManagerWithPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 8123, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Len(t, config.Catalog.Models, 2)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolver.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o644))
	_, err := NewManagerWithPath(path).Load()
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvStoragePath, filepath.Join(dir, "evolver.db"))
	t.Setenv(EnvModelsDir, filepath.Join(dir, "models"))
	t.Setenv(EnvHFToken, "hf_secret")

	config, err := NewManagerWithPath(filepath.Join(dir, "c.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, storage.StorageTypeSQLite, config.Storage.Type)
	assert.Equal(t, filepath.Join(dir, "evolver.db"), config.Storage.SQLite.Path)
	assert.Equal(t, filepath.Join(dir, "models"), config.Catalog.ModelsDir)
	assert.Equal(t, "hf_secret", config.Catalog.Hub.Token)

	// Overrides are not written back to the file.
	data, err := os.ReadFile(filepath.Join(dir, "c.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hf_secret")
}

func TestGetConfigDir(t *testing.T) {
	assert.Equal(t, "config", GetConfigDir())

	t.Setenv(EnvConfigDir, "/custom/config")
	assert.Equal(t, "/custom/config", GetConfigDir())
}

func TestEnsureConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(EnvConfigDir, filepath.Join(tmpDir, "test-config"))

	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(tmpDir, "test-config"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
