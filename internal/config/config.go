// Package config provides configuration management for the evolver server.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shepherd-project/evolver/internal/hub"
	"github.com/shepherd-project/evolver/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "evolver.config.yaml"
)

// Environment overrides applied after the file is read.
const (
	EnvConfigDir   = "EVOLVER_CONFIG_DIR"
	EnvStoragePath = "EVOLVER_STORAGE_PATH"
	EnvModelsDir   = "EVOLVER_MODELS_DIR"
	EnvHFToken     = "EVOLVER_HF_TOKEN"
)

// Model file formats a catalog entry may use.
const (
	FormatSafetensors = "safetensors"
	FormatGGUF        = "gguf"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig          `yaml:"server" json:"server"`
	Catalog     CatalogConfig         `yaml:"catalog" json:"catalog"`
	Session     SessionConfig         `yaml:"session" json:"session"`
	Tasks       TasksConfig           `yaml:"tasks" json:"tasks"`
	Materialize MaterializeConfig     `yaml:"materialize" json:"materialize"`
	Inference   InferenceConfig       `yaml:"inference" json:"inference"`
	Storage     storage.StorageConfig `yaml:"storage" json:"storage"`
	Security    SecurityConfig        `yaml:"security" json:"security"`
	Log         LogConfig             `yaml:"log" json:"log"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds
	GinMode      string `yaml:"gin_mode" json:"ginMode"`           // debug, release, test
}

// CatalogConfig describes the base models and where their files live.
type CatalogConfig struct {
	ModelsDir     string       `yaml:"models_dir" json:"modelsDir"`
	TokenizerRepo string       `yaml:"tokenizer_repo" json:"tokenizerRepo"`
	TokenizerPath string       `yaml:"tokenizer_path" json:"tokenizerPath"` // relative to models_dir
	Fetch         bool         `yaml:"fetch" json:"fetch"`
	Preload       bool         `yaml:"preload" json:"preload"`
	WeightsFile   string       `yaml:"weights_file" json:"weightsFile"`
	Hub           hub.Config   `yaml:"hub" json:"hub"`
	Models        []ModelEntry `yaml:"models" json:"models"`
}

// ModelEntry is one base model. The first two entries form the pair whose
// embeddings and output head are interpolated by merges.
type ModelEntry struct {
	Name   string `yaml:"name" json:"name"`
	Repo   string `yaml:"repo" json:"repo"`
	Path   string `yaml:"path" json:"path"`     // relative to models_dir, default name
	Format string `yaml:"format" json:"format"` // safetensors or gguf
	Depth  int    `yaml:"depth" json:"depth"`
}

// SessionConfig controls session scopes.
type SessionConfig struct {
	TTL          int    `yaml:"ttl" json:"ttl"` // seconds
	CookieName   string `yaml:"cookie_name" json:"cookieName"`
	CookieSecure bool   `yaml:"cookie_secure" json:"cookieSecure"`
}

// TasksConfig controls the job queue.
type TasksConfig struct {
	Workers       int `yaml:"workers" json:"workers"`
	QueueSize     int `yaml:"queue_size" json:"queueSize"`
	ResultTTL     int `yaml:"result_ttl" json:"resultTTL"` // seconds
	RetryAttempts int `yaml:"retry_attempts" json:"retryAttempts"`
	RetryBackoff  int `yaml:"retry_backoff" json:"retryBackoff"` // milliseconds
}

// MaterializeConfig controls model materialization.
type MaterializeConfig struct {
	Workers     int  `yaml:"workers" json:"workers"`
	MemoryGuard bool `yaml:"memory_guard" json:"memoryGuard"`
}

// InferenceConfig holds generation defaults.
type InferenceConfig struct {
	MaxNewTokens int     `yaml:"max_new_tokens" json:"maxNewTokens"`
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	Seed         int64   `yaml:"seed" json:"seed"` // -1 = random
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	CORSEnabled    bool     `yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`            // debug, info, warn, error
	Format     string `yaml:"format" json:"format"`          // json, text
	Output     string `yaml:"output" json:"output"`          // stdout, file, both
	Directory  string `yaml:"directory" json:"directory"`    // log directory
	MaxSize    int    `yaml:"max_size" json:"maxSize"`       // MB
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `yaml:"max_age" json:"maxAge"`         // days
	Compress   bool   `yaml:"compress" json:"compress"`      // compress old logs
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	// Tests never reach the network or load weights eagerly.
	fetch := !testing.Testing()

	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  60,
			WriteTimeout: 60,
			GinMode:      "release",
		},
		Catalog: CatalogConfig{
			ModelsDir:     filepath.Join(cwd, "models"),
			TokenizerRepo: "gpt2-medium",
			TokenizerPath: "gpt2-medium",
			Fetch:         fetch,
			Preload:       false,
			WeightsFile:   "model.safetensors",
			Hub: hub.Config{
				Endpoint: hub.DefaultEndpoint,
				Revision: "main",
			},
			Models: []ModelEntry{
				{Name: "svamp", Repo: "tcmmichaelb139/gpt2-medium-svamp", Format: FormatSafetensors, Depth: 24},
				{Name: "tinystories", Repo: "tcmmichaelb139/gpt2-medium-tinystories", Format: FormatSafetensors, Depth: 24},
			},
		},
		Session: SessionConfig{
			TTL:          3600,
			CookieName:   "session_id",
			CookieSecure: true,
		},
		Tasks: TasksConfig{
			Workers:       2,
			QueueSize:     64,
			ResultTTL:     3600,
			RetryAttempts: 2,
			RetryBackoff:  200,
		},
		Materialize: MaterializeConfig{
			Workers:     4,
			MemoryGuard: true,
		},
		Inference: InferenceConfig{
			MaxNewTokens: 512,
			Temperature:  0.7,
			Seed:         -1,
		},
		Security: SecurityConfig{
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			Directory:  filepath.Join(cwd, "logs"),
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Storage: storage.StorageConfig{
			Type:            storage.StorageTypeMemory,
			JanitorInterval: 60,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "evolver.db"),
				EnableWAL: true,
				Pragmas: map[string]string{
					"cache_size":  "-16000",
					"synchronous": "NORMAL",
				},
			},
		},
	}
}

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Catalog.Models) < 2 {
		return fmt.Errorf("catalog needs at least two base models, got %d", len(c.Catalog.Models))
	}
	seen := make(map[string]bool, len(c.Catalog.Models))
	for _, m := range c.Catalog.Models {
		if !modelNamePattern.MatchString(m.Name) {
			return fmt.Errorf("invalid base model name: %q", m.Name)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate base model name: %s", m.Name)
		}
		seen[m.Name] = true
		if m.Depth < 1 {
			return fmt.Errorf("base model %s: depth must be at least 1", m.Name)
		}
		switch m.Format {
		case "", FormatSafetensors, FormatGGUF:
		default:
			return fmt.Errorf("base model %s: unknown format %q", m.Name, m.Format)
		}
	}

	if c.Session.TTL < 1 {
		return fmt.Errorf("session ttl must be at least 1 second")
	}
	if c.Tasks.Workers < 1 {
		return fmt.Errorf("tasks workers must be at least 1")
	}
	if c.Tasks.QueueSize < 1 {
		return fmt.Errorf("tasks queue size must be at least 1")
	}
	if c.Tasks.RetryAttempts < 0 {
		return fmt.Errorf("tasks retry attempts cannot be negative")
	}
	if c.Materialize.Workers < 1 {
		return fmt.Errorf("materialize workers must be at least 1")
	}
	if c.Inference.Temperature < 0 {
		return fmt.Errorf("inference temperature cannot be negative")
	}
	if c.Inference.MaxNewTokens < 1 {
		return fmt.Errorf("inference max new tokens must be at least 1")
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return nil
}

// SessionTTL is the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTL) * time.Second
}

// applyEnv overlays the EVOLVER_* environment variables.
func (c *Config) applyEnv() {
	if path := os.Getenv(EnvStoragePath); path != "" {
		if c.Storage.SQLite == nil {
			c.Storage.SQLite = &storage.SQLiteConfig{EnableWAL: true}
		}
		c.Storage.SQLite.Path = path
		c.Storage.Type = storage.StorageTypeSQLite
	}
	if dir := os.Getenv(EnvModelsDir); dir != "" {
		c.Catalog.ModelsDir = dir
	}
	if token := os.Getenv(EnvHFToken); token != "" {
		c.Catalog.Hub.Token = token
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// EnsureConfigDir ensures the configuration directory exists
func EnsureConfigDir() error {
	configDir := GetConfigDir()
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return nil
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a manager for the default config file location
func NewManager() *Manager {
	return &Manager{configPath: filepath.Join(GetConfigDir(), DefaultConfigFile)}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{configPath: configPath}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
