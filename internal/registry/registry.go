// Package registry names and stores model recipes. Base models live in the
// reserved default scope and never expire; merged models live in the scope
// of the session that created them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/recipe"
	"github.com/shepherd-project/evolver/internal/storage"
	"github.com/shepherd-project/evolver/internal/types"
)

const (
	// DefaultScope holds the base model recipes.
	DefaultScope = "default"
	// MaxNameAttempts is how many suffixes a desired name is tried with.
	MaxNameAttempts = 20
	// MaxNameLength bounds a desired model name.
	MaxNameLength = 64

	stripes = 64
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Catalog is the manifest of base models. *catalog.Catalog implements it.
type Catalog interface {
	Names() []string
	IsBase(name string) bool
	Depth(name string) (int, bool)
}

// Options configures a Registry.
type Options struct {
	// SessionTTL is the lifetime of a session scope, refreshed on every save.
	SessionTTL time.Duration
	Logger     *logger.Logger
}

// Registry resolves and saves recipes.
type Registry struct {
	store   storage.Store
	catalog Catalog
	ttl     time.Duration
	log     *logger.Logger

	locks [stripes]sync.Mutex
}

// New creates a Registry over store.
func New(store storage.Store, catalog Catalog, opts Options) *Registry {
	r := &Registry{
		store:   store,
		catalog: catalog,
		ttl:     opts.SessionTTL,
		log:     opts.Logger,
	}
	if r.log == nil {
		r.log = logger.GetLogger()
	}
	return r
}

// ValidateName checks a desired model name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return types.NewValidationError("model name is empty")
	case len(name) > MaxNameLength:
		return types.NewValidationError("model name is longer than %d characters", MaxNameLength)
	case !namePattern.MatchString(name):
		return types.NewValidationError("model name %q may only contain letters, digits, '.', '_' and '-'", name)
	}
	return nil
}

func validateScope(scope string) error {
	if scope == "" {
		return types.NewValidationError("session is required")
	}
	return nil
}

// lock returns the mutex guarding scope.
func (r *Registry) lock(scope string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(scope))
	return &r.locks[h.Sum32()%stripes]
}

// RegisterBaseModels stores the identity recipe of every base model that is
// not yet registered and returns how many were added.
func (r *Registry) RegisterBaseModels(ctx context.Context) (int, error) {
	mu := r.lock(DefaultScope)
	mu.Lock()
	defer mu.Unlock()

	added := 0
	for _, name := range r.catalog.Names() {
		depth, _ := r.catalog.Depth(name)
		err := r.store.CreateModel(ctx, DefaultScope, name, recipe.Identity(name, depth), 0)
		switch {
		case err == nil:
			added++
		case errors.Is(err, storage.ErrModelExists):
		default:
			return added, types.NewInternalError(err, "failed to register base model %s", name)
		}
	}
	if added > 0 {
		r.log.WithField("models", added).Info("registered base models")
	}
	return added, nil
}

// ResolveRecipe looks up name. Base names always resolve from the default
// scope; any other name only from scope.
func (r *Registry) ResolveRecipe(ctx context.Context, scope, name string) (recipe.Recipe, error) {
	lookup := scope
	if r.catalog.IsBase(name) {
		lookup = DefaultScope
	} else if err := validateScope(scope); err != nil {
		return recipe.Recipe{}, err
	}

	rec, err := r.store.GetModel(ctx, lookup, name)
	if errors.Is(err, storage.ErrModelNotFound) {
		return recipe.Recipe{}, types.NewNotFoundError("model %s not found", name)
	}
	if err != nil {
		return recipe.Recipe{}, types.NewInternalError(err, "failed to resolve model %s", name)
	}
	if lookup != DefaultScope && r.ttl > 0 {
		if err := r.store.Touch(ctx, scope, r.ttl); err != nil {
			r.log.WithError(err).Warn("failed to refresh session expiry")
		}
	}
	return rec, nil
}

// SaveMergedModel stores rec under the first free name among baseName_0 to
// baseName_19 and returns that name. Names of base models are never used.
// Either the name and recipe are both stored or nothing is.
func (r *Registry) SaveMergedModel(ctx context.Context, scope, baseName string, rec recipe.Recipe) (string, error) {
	if err := validateScope(scope); err != nil {
		return "", err
	}
	if scope == DefaultScope {
		return "", types.NewValidationError("scope %q is reserved", DefaultScope)
	}
	if err := ValidateName(baseName); err != nil {
		return "", err
	}

	mu := r.lock(scope)
	mu.Lock()
	defer mu.Unlock()

	for i := range MaxNameAttempts {
		name := fmt.Sprintf("%s_%d", baseName, i)
		if r.catalog.IsBase(name) {
			continue
		}
		err := r.store.CreateModel(ctx, scope, name, rec, r.ttl)
		if err == nil {
			r.log.WithFields(map[string]interface{}{
				"scope":  scope,
				"model":  name,
				"layers": rec.Depth(),
			}).Info("saved merged model")
			return name, nil
		}
		if !errors.Is(err, storage.ErrModelExists) {
			return "", types.NewInternalError(err, "failed to save model %s", name)
		}
	}
	return "", types.NewNamingExhausted("all %d names for %s are taken", MaxNameAttempts, baseName)
}

// ListModels returns the base models and the models of scope, sorted.
func (r *Registry) ListModels(ctx context.Context, scope string) ([]string, error) {
	names := r.catalog.Names()
	if scope != "" && scope != DefaultScope {
		own, err := r.store.ListModels(ctx, scope)
		if err != nil {
			return nil, types.NewInternalError(err, "failed to list models")
		}
		names = append(names, own...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// ClearSession drops every model of scope.
func (r *Registry) ClearSession(ctx context.Context, scope string) error {
	if err := validateScope(scope); err != nil {
		return err
	}
	if scope == DefaultScope {
		return types.NewValidationError("scope %q is reserved", DefaultScope)
	}

	mu := r.lock(scope)
	mu.Lock()
	defer mu.Unlock()

	n, err := r.store.DeleteScope(ctx, scope)
	if err != nil {
		return types.NewInternalError(err, "failed to clear session")
	}
	r.log.WithFields(map[string]interface{}{"scope": scope, "models": n}).Debug("session cleared")
	return nil
}
