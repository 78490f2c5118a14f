// Package materialize turns a recipe into concrete GPT-2 weights.
package materialize

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/monitor"
	"github.com/shepherd-project/evolver/internal/recipe"
	"github.com/shepherd-project/evolver/internal/tensor"
	"github.com/shepherd-project/evolver/internal/types"
)

// Weights is the read-only view of the base models a materializer draws
// from. *catalog.Catalog implements it.
type Weights interface {
	EnsureLoaded(ctx context.Context) error
	Model(name string) (*gpt2.Model, error)
	// Pair names the models whose embeddings, final norm and output head
	// are interpolated by the recipe lambdas.
	Pair() (string, string)
}

// Options configures a Materializer.
type Options struct {
	// Workers bounds how many layers are combined at once. Default 1.
	Workers int
	// Memory enables the memory guard when set.
	Memory monitor.MemoryProbe
	Logger *logger.Logger
}

// Materializer builds models from recipes. It holds no per-call state and is
// safe for concurrent use.
type Materializer struct {
	weights Weights
	workers int
	memory  monitor.MemoryProbe
	log     *logger.Logger
}

// New creates a Materializer over w.
func New(w Weights, opts Options) *Materializer {
	m := &Materializer{
		weights: w,
		workers: opts.Workers,
		memory:  opts.Memory,
		log:     opts.Logger,
	}
	if m.workers < 1 {
		m.workers = 1
	}
	if m.log == nil {
		m.log = logger.GetLogger()
	}
	return m
}

// Estimate is the number of bytes a model built from r would allocate.
func (m *Materializer) Estimate(ctx context.Context, r recipe.Recipe) (int64, error) {
	if err := m.weights.EnsureLoaded(ctx); err != nil {
		return 0, types.NewMaterializationError(err, "base weights are unavailable")
	}
	a, _ := m.weights.Pair()
	ref, err := m.weights.Model(a)
	if err != nil {
		return 0, types.NewMaterializationError(err, "designated model %s is unavailable", a)
	}
	return ref.HParams.EstimateBytes(len(r.Layers)), nil
}

// Materialize combines base weights as r describes. Output layer i is the
// weighted sum of the base layers r.Layers[i] names; the shared components
// interpolate the designated pair. Nothing is cached: on error the partial
// model is dropped, and on success the caller owns a read-only snapshot that
// may share tensors with the base models.
func (m *Materializer) Materialize(ctx context.Context, r recipe.Recipe) (*gpt2.Model, error) {
	start := time.Now()

	if err := m.weights.EnsureLoaded(ctx); err != nil {
		return nil, types.NewMaterializationError(err, "base weights are unavailable")
	}
	if err := r.Validate(); err != nil {
		return nil, types.NewMaterializationError(err, "invalid recipe")
	}

	nameA, nameB := m.weights.Pair()
	a, err := m.weights.Model(nameA)
	if err != nil {
		return nil, types.NewMaterializationError(err, "designated model %s is unavailable", nameA)
	}
	b, err := m.weights.Model(nameB)
	if err != nil {
		return nil, types.NewMaterializationError(err, "designated model %s is unavailable", nameB)
	}

	hp := a.HParams
	hp.Layers = len(r.Layers)
	if err := m.guard(ctx, hp); err != nil {
		return nil, err
	}

	out := &gpt2.Model{HParams: hp, Blocks: make([]gpt2.Block, hp.Layers)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, layer := range r.Layers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			block, err := m.combineLayer(hp, layer)
			if err != nil {
				return types.NewMaterializationError(err, "layer %d", i)
			}
			out.Blocks[i] = block
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if types.CodeOf(err) == types.ErrMaterialization {
			return nil, err
		}
		return nil, types.NewMaterializationError(err, "materialization interrupted")
	}

	shared := []struct {
		name   string
		lambda float64
		dst    **tensor.Tensor
		a, b   *tensor.Tensor
	}{
		{gpt2.TokenEmbedding, r.EmbeddingLambdas[0], &out.TokenEmbedding, a.TokenEmbedding, b.TokenEmbedding},
		{gpt2.PositionEmbedding, r.EmbeddingLambdas[1], &out.PositionEmbedding, a.PositionEmbedding, b.PositionEmbedding},
		{gpt2.OutputProjection, r.LinearLambdas[0], &out.OutputProjection, a.OutputProjection, b.OutputProjection},
		{gpt2.FinalNormWeight, r.LinearLambdas[1], &out.FinalNormWeight, a.FinalNormWeight, b.FinalNormWeight},
		{gpt2.FinalNormBias, r.LinearLambdas[1], &out.FinalNormBias, a.FinalNormBias, b.FinalNormBias},
	}
	for _, s := range shared {
		t, err := tensor.Lerp(s.lambda, s.a, s.b)
		if err != nil {
			return nil, types.NewMaterializationError(err, "%s of %s and %s", s.name, nameA, nameB)
		}
		*s.dst = t
	}

	if err := out.Validate(); err != nil {
		return nil, types.NewMaterializationError(err, "materialized model is malformed")
	}

	m.log.WithFields(map[string]interface{}{
		"layers": hp.Layers,
		"models": r.Models(),
	}).Debugf("materialized %.1f MB in %v", float64(out.Bytes())/(1<<20), time.Since(start).Round(time.Millisecond))
	return out, nil
}

// guard refuses to start when the model would not fit in available memory.
func (m *Materializer) guard(ctx context.Context, hp gpt2.HParams) error {
	if m.memory == nil {
		return nil
	}
	need := hp.EstimateBytes(hp.Layers)
	avail, err := m.memory.AvailableMemory(ctx)
	if err != nil {
		m.log.WithError(err).Warn("memory guard skipped")
		return nil
	}
	if uint64(need) > avail {
		return types.NewMaterializationError(nil, "not enough memory: model needs %d MB, %d MB available",
			need>>20, avail>>20)
	}
	return nil
}

// combineLayer builds one block as the weighted sum of its contributions.
// A lone contribution with coefficient 1 shares the base tensors.
func (m *Materializer) combineLayer(hp gpt2.HParams, layer []recipe.LayerContribution) (gpt2.Block, error) {
	sources := make([]gpt2.Block, len(layer))
	for j, c := range layer {
		base, err := m.weights.Model(c.SourceModel)
		if err != nil {
			return nil, err
		}
		if c.SourceLayer < 0 || c.SourceLayer >= len(base.Blocks) {
			return nil, fmt.Errorf("%s has no layer %d (depth %d)", c.SourceModel, c.SourceLayer, len(base.Blocks))
		}
		if !base.HParams.SameShape(hp) {
			return nil, fmt.Errorf("%s does not share the architecture of the designated pair", c.SourceModel)
		}
		sources[j] = base.Blocks[c.SourceLayer]
	}

	block := make(gpt2.Block, len(gpt2.BlockParams))
	for _, name := range gpt2.BlockParams {
		if len(layer) == 1 && layer[0].Coefficient == 1 {
			block[name] = sources[0][name]
			continue
		}
		terms := make([]tensor.Term, len(layer))
		for j, c := range layer {
			t, ok := sources[j][name]
			if !ok {
				return nil, fmt.Errorf("%s layer %d has no %s", c.SourceModel, c.SourceLayer, name)
			}
			terms[j] = tensor.Term{Tensor: t, Coeff: c.Coefficient}
		}
		sum, err := tensor.WeightedSum(terms)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		block[name] = sum
	}
	return block, nil
}
