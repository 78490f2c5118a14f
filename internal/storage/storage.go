// Package storage keeps session scoped model recipes with multiple backend
// support.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/shepherd-project/evolver/internal/recipe"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `yaml:"type" json:"type"`
	SQLite *SQLiteConfig `yaml:"sqlite" json:"sqlite,omitempty"`
	// JanitorInterval is how often expired scopes are purged, in seconds.
	JanitorInterval int `yaml:"janitor_interval" json:"janitorInterval"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `yaml:"path" json:"path"`                 // Database file path, or :memory:
	Pragmas   map[string]string `yaml:"pragmas" json:"pragmas,omitempty"` // SQLite pragmas
	EnableWAL bool              `yaml:"enable_wal" json:"enableWAL"`      // Enable WAL mode
}

// Stats summarizes store contents.
type Stats struct {
	Scopes int `json:"scopes"`
	Models int `json:"models"`
}

// Store keeps named recipes grouped by scope. A scope with a TTL expires as a
// whole; every write into it pushes the expiry forward. A zero TTL means the
// scope never expires.
type Store interface {
	// CreateModel stores r under scope/name. It fails with ErrModelExists
	// instead of overwriting.
	CreateModel(ctx context.Context, scope, name string, r recipe.Recipe, ttl time.Duration) error
	GetModel(ctx context.Context, scope, name string) (recipe.Recipe, error)
	// ListModels returns the names in scope, sorted.
	ListModels(ctx context.Context, scope string) ([]string, error)
	// DeleteScope removes the scope and every recipe in it, returning how
	// many recipes were removed.
	DeleteScope(ctx context.Context, scope string) (int, error)
	// Touch refreshes the expiry of an existing scope.
	Touch(ctx context.Context, scope string, ttl time.Duration) error
	// PurgeExpired drops expired scopes and returns how many were dropped.
	PurgeExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
		stop:   make(chan struct{}),
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory, "":
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// StartJanitor purges expired scopes every interval until Close. report is
// called after each pass and may be nil.
func (m *Manager) StartJanitor(interval time.Duration, report func(purged int, err error)) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				n, err := m.store.PurgeExpired(ctx)
				cancel()
				if report != nil {
					report(n, err)
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops the janitor and closes the store
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrModelNotFound       = &StorageError{Code: "NOT_FOUND", Message: "Model not found"}
	ErrModelExists         = &StorageError{Code: "EXISTS", Message: "Model already exists"}
	ErrClosed              = &StorageError{Code: "CLOSED", Message: "Store is closed"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code so wrapped copies compare equal.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Err == nil && t.Code == e.Code && t.Message == e.Message
}

func wrapError(code, message string, err error) error {
	return &StorageError{Code: code, Message: message, Err: err}
}
