package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)

	"github.com/shepherd-project/evolver/internal/recipe"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store interface with SQLite backend. Several
// processes may share one database file; the primary key on (scope, name)
// keeps CreateModel from overwriting across all of them.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil || config.Path == "" {
		return nil, ErrMissingSQLiteConfig
	}

	if config.Path != MemoryPath {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas are per connection and :memory: databases are per connection
	// too, so the pool is kept to one.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
		now:  time.Now,
	}

	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL && config.Path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	keys := make([]string, 0, len(config.Pragmas))
	for key := range config.Pragmas {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, config.Pragmas[key]))
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		name TEXT PRIMARY KEY,
		expires_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS models (
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		recipe TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (scope, name)
	);

	CREATE INDEX IF NOT EXISTS idx_scopes_expires ON scopes(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func expiresAt(now time.Time, ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: now.Add(ttl).UnixNano(), Valid: true}
}

// purgeScope drops scope if it has expired.
func purgeScope(ctx context.Context, tx *sql.Tx, scope string, now int64) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scopes WHERE name = ? AND expires_at IS NOT NULL AND expires_at <= ?`, scope, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM models WHERE scope = ?`, scope)
	}
	return err
}

// CreateModel inserts r under scope/name and refreshes the scope expiry in
// one transaction.
func (s *SQLiteStore) CreateModel(ctx context.Context, scope, name string, r recipe.Recipe, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return wrapError("ENCODE", "failed to encode recipe", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("TX", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := purgeScope(ctx, tx, scope, now.UnixNano()); err != nil {
		return wrapError("QUERY", "failed to purge scope", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO models (scope, name, recipe, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (scope, name) DO NOTHING`,
		scope, name, string(data), now.UnixNano())
	if err != nil {
		return wrapError("QUERY", "failed to insert model", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrModelExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scopes (name, expires_at) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET expires_at = excluded.expires_at`,
		scope, expiresAt(now, ttl))
	if err != nil {
		return wrapError("QUERY", "failed to update scope", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapError("TX", "failed to commit", err)
	}
	return nil
}

const liveScope = `s.expires_at IS NULL OR s.expires_at > ?`

// GetModel retrieves the recipe stored under scope/name
func (s *SQLiteStore) GetModel(ctx context.Context, scope, name string) (recipe.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT m.recipe
	FROM models m JOIN scopes s ON s.name = m.scope
	WHERE m.scope = ? AND m.name = ? AND (` + liveScope + `)
	`

	var data string
	err := s.db.QueryRowContext(ctx, query, scope, name, s.now().UnixNano()).Scan(&data)
	if err == sql.ErrNoRows {
		return recipe.Recipe{}, ErrModelNotFound
	}
	if err != nil {
		return recipe.Recipe{}, wrapError("QUERY", "failed to get model", err)
	}

	var r recipe.Recipe
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return recipe.Recipe{}, wrapError("DECODE", fmt.Sprintf("corrupt recipe %s/%s", scope, name), err)
	}
	return r, nil
}

// ListModels lists the names in scope
func (s *SQLiteStore) ListModels(ctx context.Context, scope string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT m.name
	FROM models m JOIN scopes s ON s.name = m.scope
	WHERE m.scope = ? AND (` + liveScope + `)
	ORDER BY m.name
	`

	rows, err := s.db.QueryContext(ctx, query, scope, s.now().UnixNano())
	if err != nil {
		return nil, wrapError("QUERY", "failed to list models", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapError("QUERY", "failed to scan model", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("QUERY", "failed to list models", err)
	}
	return names, nil
}

// DeleteScope deletes a scope and all its recipes
func (s *SQLiteStore) DeleteScope(ctx context.Context, scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapError("TX", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := purgeScope(ctx, tx, scope, s.now().UnixNano()); err != nil {
		return 0, wrapError("QUERY", "failed to purge scope", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM models WHERE scope = ?`, scope)
	if err != nil {
		return 0, wrapError("QUERY", "failed to delete models", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM scopes WHERE name = ?`, scope); err != nil {
		return 0, wrapError("QUERY", "failed to delete scope", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapError("TX", "failed to commit", err)
	}
	return int(n), nil
}

// Touch refreshes the expiry of a live scope
func (s *SQLiteStore) Touch(ctx context.Context, scope string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE scopes SET expires_at = ? WHERE name = ? AND (expires_at IS NULL OR expires_at > ?)`,
		expiresAt(now, ttl), scope, now.UnixNano())
	if err != nil {
		return wrapError("QUERY", "failed to touch scope", err)
	}
	return nil
}

// PurgeExpired drops expired scopes together with their recipes
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapError("TX", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	DELETE FROM models WHERE scope IN (
		SELECT name FROM scopes WHERE expires_at IS NOT NULL AND expires_at <= ?
	)`, now)
	if err != nil {
		return 0, wrapError("QUERY", "failed to purge models", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scopes WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, wrapError("QUERY", "failed to purge scopes", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, wrapError("TX", "failed to commit", err)
	}
	return int(n), nil
}

// Stats counts live scopes and recipes
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT COUNT(DISTINCT s.name), COUNT(m.name)
	FROM scopes s LEFT JOIN models m ON m.scope = s.name
	WHERE ` + liveScope

	var st Stats
	if err := s.db.QueryRowContext(ctx, query, s.now().UnixNano()).Scan(&st.Scopes, &st.Models); err != nil {
		return Stats{}, wrapError("QUERY", "failed to count models", err)
	}
	return st, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
