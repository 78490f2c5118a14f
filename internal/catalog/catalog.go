package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shepherd-project/evolver/internal/config"
	"github.com/shepherd-project/evolver/internal/gguf"
	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/tensor"
	"github.com/shepherd-project/evolver/internal/tokenizer"
)

// Catalog holds the base models. The manifest is fixed at construction; the
// weights are loaded at most once successfully, on first use or by Preload.
type Catalog struct {
	entries       []Entry
	index         map[string]int
	weightsFile   string
	tokenizerDir  string
	tokenizerRepo string
	fetcher       Fetcher
	log           *logger.Logger

	group  singleflight.Group
	loaded atomic.Bool
	loads  atomic.Int64

	mu        sync.RWMutex
	state     LoadState
	models    map[string]*gpt2.Model
	tokenizer *tokenizer.Tokenizer
	loadedAt  time.Time
	duration  time.Duration
	lastErr   error
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithFetcher downloads missing files before loading.
func WithFetcher(f Fetcher) Option {
	return func(c *Catalog) { c.fetcher = f }
}

// WithLogger sets the logger; the global logger is used otherwise.
func WithLogger(l *logger.Logger) Option {
	return func(c *Catalog) { c.log = l }
}

// New resolves the configured entries into a manifest. At least two entries
// are required; the first two are the designated pair.
func New(cfg config.CatalogConfig, opts ...Option) (*Catalog, error) {
	if len(cfg.Models) < 2 {
		return nil, fmt.Errorf("catalog needs at least two base models, got %d", len(cfg.Models))
	}

	c := &Catalog{
		index:         make(map[string]int, len(cfg.Models)),
		weightsFile:   cfg.WeightsFile,
		tokenizerRepo: cfg.TokenizerRepo,
		tokenizerDir:  resolve(cfg.ModelsDir, cfg.TokenizerPath),
		log:           logger.GetLogger(),
	}
	if c.weightsFile == "" {
		c.weightsFile = "model.safetensors"
	}
	if c.tokenizerDir == "" {
		c.tokenizerDir = resolve(cfg.ModelsDir, cfg.TokenizerRepo)
	}

	for _, m := range cfg.Models {
		if _, dup := c.index[m.Name]; dup {
			return nil, fmt.Errorf("duplicate base model name: %s", m.Name)
		}
		if m.Depth < 1 {
			return nil, fmt.Errorf("base model %s: depth must be at least 1", m.Name)
		}
		e := Entry{Name: m.Name, Repo: m.Repo, Format: m.Format, Depth: m.Depth}
		if e.Format == "" {
			e.Format = config.FormatSafetensors
		}
		path := m.Path
		switch e.Format {
		case config.FormatSafetensors:
			if path == "" {
				path = m.Name
			}
		case config.FormatGGUF:
			if path == "" {
				path = m.Name + ".gguf"
			}
		default:
			return nil, fmt.Errorf("base model %s: unknown format %q", m.Name, e.Format)
		}
		e.Path = resolve(cfg.ModelsDir, path)
		c.index[e.Name] = len(c.entries)
		c.entries = append(c.entries, e)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// Entries returns the manifest in configuration order.
func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Names returns the base model names in configuration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// IsBase reports whether name is a base model.
func (c *Catalog) IsBase(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Depth is the layer count of a base model.
func (c *Catalog) Depth(name string) (int, bool) {
	i, ok := c.index[name]
	if !ok {
		return 0, false
	}
	return c.entries[i].Depth, true
}

// Pair returns the designated pair (A, B) whose embeddings and output head
// every merge interpolates.
func (c *Catalog) Pair() (string, string) {
	return c.entries[0].Name, c.entries[1].Name
}

// Loaded reports whether the weights are in memory.
func (c *Catalog) Loaded() bool {
	return c.loaded.Load()
}

// EnsureLoaded loads every base model and the tokenizer unless that already
// succeeded. Concurrent callers share one load and all see its error; a
// later call after a failure tries again. ctx only bounds the wait.
func (c *Catalog) EnsureLoaded(ctx context.Context) error {
	if c.loaded.Load() {
		return nil
	}

	ch := c.group.DoChan("load", func() (interface{}, error) {
		if c.loaded.Load() {
			return nil, nil
		}
		return nil, c.load(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preload is EnsureLoaded for startup.
func (c *Catalog) Preload(ctx context.Context) error {
	c.log.Infof("preloading %d base models", len(c.entries))
	return c.EnsureLoaded(ctx)
}

func (c *Catalog) load(ctx context.Context) error {
	c.loads.Add(1)
	c.setState(StateLoading, nil)
	start := time.Now()

	models := make([]*gpt2.Model, len(c.entries))
	var tok *tokenizer.Tokenizer

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range c.entries {
		g.Go(func() error {
			m, err := c.loadEntry(gctx, e)
			if err != nil {
				return fmt.Errorf("base model %s: %w", e.Name, err)
			}
			models[i] = m
			return nil
		})
	}
	g.Go(func() error {
		var err error
		tok, err = c.loadTokenizer(gctx)
		if err != nil {
			return fmt.Errorf("tokenizer: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		c.log.WithError(err).Error("failed to load base models")
		c.setState(StateError, err)
		return err
	}
	if err := c.check(models, tok); err != nil {
		c.log.WithError(err).Error("base models are inconsistent")
		c.setState(StateError, err)
		return err
	}

	c.mu.Lock()
	c.models = make(map[string]*gpt2.Model, len(models))
	for i, m := range models {
		c.models[c.entries[i].Name] = m
	}
	c.tokenizer = tok
	c.state = StateLoaded
	c.lastErr = nil
	c.loadedAt = time.Now()
	c.duration = time.Since(start)
	c.mu.Unlock()
	c.loaded.Store(true)

	c.log.WithField("models", len(models)).Infof("base models loaded in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

func (c *Catalog) setState(state LoadState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.lastErr = err
}

// check verifies declared depths, that every base model shares the
// architecture of the first one and that the tokenizer fits.
func (c *Catalog) check(models []*gpt2.Model, tok *tokenizer.Tokenizer) error {
	ref := models[0].HParams
	for i, m := range models {
		e := c.entries[i]
		if m.HParams.Layers != e.Depth {
			return fmt.Errorf("base model %s has %d layers, catalog declares %d", e.Name, m.HParams.Layers, e.Depth)
		}
		if !m.HParams.SameShape(ref) {
			return fmt.Errorf("base model %s does not share the architecture of %s", e.Name, c.entries[0].Name)
		}
	}
	if tok.VocabSize() > ref.VocabSize {
		return fmt.Errorf("tokenizer has %d tokens, models only %d", tok.VocabSize(), ref.VocabSize)
	}
	return nil
}

func (c *Catalog) loadEntry(ctx context.Context, e Entry) (*gpt2.Model, error) {
	start := time.Now()
	var m *gpt2.Model
	var err error

	switch e.Format {
	case config.FormatGGUF:
		if err = c.fetch(ctx, e.Repo, filepath.Dir(e.Path), filepath.Base(e.Path)); err != nil {
			return nil, err
		}
		m, err = gguf.Load(e.Path)
	default:
		if err = c.fetch(ctx, e.Repo, e.Path, gpt2.ConfigFile, c.weightsFile); err != nil {
			return nil, err
		}
		m, err = loadSafetensors(e.Path, c.weightsFile)
	}
	if err != nil {
		return nil, err
	}

	c.log.WithFields(map[string]interface{}{
		"model":  e.Name,
		"format": e.Format,
		"layers": m.HParams.Layers,
	}).Infof("loaded base model (%.1f MB) in %v", float64(m.Bytes())/(1<<20), time.Since(start).Round(time.Millisecond))
	return m, nil
}

func loadSafetensors(dir, weightsFile string) (*gpt2.Model, error) {
	hp, err := gpt2.LoadHParams(filepath.Join(dir, gpt2.ConfigFile))
	if err != nil {
		return nil, err
	}
	f, err := tensor.ReadSafetensors(filepath.Join(dir, weightsFile))
	if err != nil {
		return nil, err
	}
	return gpt2.FromTensors(hp, f.Tensors)
}

func (c *Catalog) loadTokenizer(ctx context.Context) (*tokenizer.Tokenizer, error) {
	if err := c.fetch(ctx, c.tokenizerRepo, c.tokenizerDir, tokenizer.VocabFile, tokenizer.MergesFile); err != nil {
		return nil, err
	}
	return tokenizer.Load(c.tokenizerDir)
}

func (c *Catalog) fetch(ctx context.Context, repo, dir string, files ...string) error {
	if c.fetcher == nil || repo == "" {
		return nil
	}
	return c.fetcher.FetchAll(ctx, repo, dir, files...)
}

// Model returns the weights of a loaded base model. The result is shared and
// must not be modified.
func (c *Catalog) Model(name string) (*gpt2.Model, error) {
	if !c.loaded.Load() {
		return nil, fmt.Errorf("catalog is not loaded")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown base model %q (have %s)", name, strings.Join(c.Names(), ", "))
	}
	return m, nil
}

// Tokenizer returns the shared tokenizer once loaded.
func (c *Catalog) Tokenizer() (*tokenizer.Tokenizer, error) {
	if !c.loaded.Load() {
		return nil, fmt.Errorf("catalog is not loaded")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenizer, nil
}

// Status reports the load state and the manifest.
func (c *Catalog) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		State:  c.state,
		Loads:  int(c.loads.Load()),
		Models: make([]ModelInfo, len(c.entries)),
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	if !c.loadedAt.IsZero() {
		st.LoadedAt = c.loadedAt
		st.Duration = c.duration.Round(time.Millisecond).String()
	}
	for i, e := range c.entries {
		info := ModelInfo{Entry: e, Designated: i < 2}
		if m, ok := c.models[e.Name]; ok {
			info.Loaded = true
			info.Bytes = m.Bytes()
		}
		st.Models[i] = info
	}
	return st
}
