package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shepherd-project/evolver/internal/recipe"
)

type memoryScope struct {
	models    map[string]recipe.Recipe
	expiresAt time.Time // zero: never
}

func (s *memoryScope) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]*memoryScope
	closed bool
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		scopes: make(map[string]*memoryScope),
		now:    time.Now,
	}, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// live returns the scope if it exists and has not expired. Caller holds s.mu.
func (s *MemoryStore) live(scope string) *memoryScope {
	sc, ok := s.scopes[scope]
	if !ok || sc.expired(s.now()) {
		return nil
	}
	return sc
}

// CreateModel stores a copy of r unless scope/name is taken
func (s *MemoryStore) CreateModel(ctx context.Context, scope, name string, r recipe.Recipe, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	sc := s.live(scope)
	if sc == nil {
		sc = &memoryScope{models: make(map[string]recipe.Recipe)}
		s.scopes[scope] = sc
	}
	if _, exists := sc.models[name]; exists {
		return ErrModelExists
	}

	sc.models[name] = r.Clone()
	sc.expiresAt = expiry(s.now(), ttl)
	return nil
}

// GetModel retrieves a copy of the recipe stored under scope/name
func (s *MemoryStore) GetModel(ctx context.Context, scope, name string) (recipe.Recipe, error) {
	if err := ctx.Err(); err != nil {
		return recipe.Recipe{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return recipe.Recipe{}, ErrClosed
	}
	sc := s.live(scope)
	if sc == nil {
		return recipe.Recipe{}, ErrModelNotFound
	}
	r, exists := sc.models[name]
	if !exists {
		return recipe.Recipe{}, ErrModelNotFound
	}
	return r.Clone(), nil
}

// ListModels lists the names in scope
func (s *MemoryStore) ListModels(ctx context.Context, scope string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	names := []string{}
	if sc := s.live(scope); sc != nil {
		for name := range sc.models {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// DeleteScope deletes a scope and all its recipes
func (s *MemoryStore) DeleteScope(ctx context.Context, scope string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	if sc := s.live(scope); sc != nil {
		n = len(sc.models)
	}
	delete(s.scopes, scope)
	return n, nil
}

// Touch refreshes the expiry of a live scope
func (s *MemoryStore) Touch(ctx context.Context, scope string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if sc := s.live(scope); sc != nil {
		sc.expiresAt = expiry(s.now(), ttl)
	}
	return nil
}

// PurgeExpired drops expired scopes
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for name, sc := range s.scopes {
		if sc.expired(now) {
			delete(s.scopes, name)
			n++
		}
	}
	return n, nil
}

// Stats counts live scopes and recipes
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	now := s.now()
	for _, sc := range s.scopes {
		if sc.expired(now) {
			continue
		}
		st.Scopes++
		st.Models += len(sc.models)
	}
	return st, nil
}

// Close releases everything held by the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.scopes = make(map[string]*memoryScope)
	return nil
}
