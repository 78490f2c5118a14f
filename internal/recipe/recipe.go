// Package recipe holds the symbolic description of a merged model: every
// output layer is a weighted sum of base-model layers, and the shared
// embedding and output components are interpolated between a fixed pair of
// base models.
package recipe

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/shepherd-project/evolver/internal/types"
)

// MaxLayers is the largest number of output layers a recipe may have.
const MaxLayers = 48

// LayerContribution is one term of a weighted sum of base layers.
type LayerContribution struct {
	SourceLayer int     `json:"srcLayer"`
	SourceModel string  `json:"srcModel"`
	Coefficient float64 `json:"coeff"`
}

// Source identifies a single base layer.
type Source struct {
	Model string
	Layer int
}

func (c LayerContribution) Source() Source {
	return Source{Model: c.SourceModel, Layer: c.SourceLayer}
}

// LambdaPair interpolates two components at once, encoded as a two element
// JSON array.
type LambdaPair [2]float64

// Unit is the lambda pair that keeps the first model of the designated pair.
var Unit = LambdaPair{1, 1}

// Recipe describes a model as layer-wise linear combinations of base layers.
// All contributions name base models, never merged ones.
type Recipe struct {
	Layers           [][]LayerContribution `json:"layers"`
	EmbeddingLambdas LambdaPair            `json:"embeddingLambdas"`
	LinearLambdas    LambdaPair            `json:"linearLambdas"`
}

// Identity returns the recipe of an unmodified base model.
func Identity(model string, depth int) Recipe {
	layers := make([][]LayerContribution, depth)
	for i := range layers {
		layers[i] = []LayerContribution{{SourceLayer: i, SourceModel: model, Coefficient: 1}}
	}
	return Recipe{
		Layers:           layers,
		EmbeddingLambdas: Unit,
		LinearLambdas:    Unit,
	}
}

// Depth is the number of output layers.
func (r Recipe) Depth() int {
	return len(r.Layers)
}

// Validate checks structure and numeric sanity. Depth bounds of the referenced
// base models are checked at materialization time.
func (r Recipe) Validate() error {
	if len(r.Layers) == 0 {
		return types.NewValidationError("recipe has no layers")
	}
	if len(r.Layers) > MaxLayers {
		return types.NewValidationError("Layer recipe too long. Max %d layers supported.", MaxLayers)
	}
	for i, layer := range r.Layers {
		if len(layer) == 0 {
			return types.NewValidationError("layer %d has no contributions", i)
		}
		for _, c := range layer {
			if c.SourceModel == "" {
				return types.NewValidationError("layer %d: contribution without source model", i)
			}
			if c.SourceLayer < 0 {
				return types.NewValidationError("layer %d: negative source layer %d", i, c.SourceLayer)
			}
			if !finite(c.Coefficient) {
				return types.NewValidationError("layer %d: coefficient is not finite", i)
			}
		}
	}
	if err := r.EmbeddingLambdas.Validate("embedding"); err != nil {
		return err
	}
	return r.LinearLambdas.Validate("linear")
}

// Validate rejects non-finite lambdas; what names the pair in the error.
func (p LambdaPair) Validate(what string) error {
	if !finite(p[0]) || !finite(p[1]) {
		return types.NewValidationError("%s lambdas must be finite", what)
	}
	return nil
}

// Normalize returns a copy where duplicate sources inside a layer are summed
// and contributions are sorted by model then layer.
func (r Recipe) Normalize() Recipe {
	out := Recipe{
		Layers:           make([][]LayerContribution, len(r.Layers)),
		EmbeddingLambdas: r.EmbeddingLambdas,
		LinearLambdas:    r.LinearLambdas,
	}
	for i, layer := range r.Layers {
		acc := make(map[Source]float64, len(layer))
		for _, c := range layer {
			acc[c.Source()] += c.Coefficient
		}
		out.Layers[i] = flatten(acc)
	}
	return out
}

// Clone returns a deep copy.
func (r Recipe) Clone() Recipe {
	out := r
	out.Layers = make([][]LayerContribution, len(r.Layers))
	for i, layer := range r.Layers {
		out.Layers[i] = slices.Clone(layer)
	}
	return out
}

func flatten(acc map[Source]float64) []LayerContribution {
	out := make([]LayerContribution, 0, len(acc))
	for src, coeff := range acc {
		out = append(out, LayerContribution{SourceLayer: src.Layer, SourceModel: src.Model, Coefficient: coeff})
	}
	slices.SortFunc(out, compareContribution)
	return out
}

func compareContribution(a, b LayerContribution) int {
	if c := cmp.Compare(a.SourceModel, b.SourceModel); c != 0 {
		return c
	}
	return cmp.Compare(a.SourceLayer, b.SourceLayer)
}

// Terms returns the coefficient of every base layer feeding output layer i.
func (r Recipe) Terms(i int) map[Source]float64 {
	terms := make(map[Source]float64, len(r.Layers[i]))
	for _, c := range r.Layers[i] {
		terms[c.Source()] += c.Coefficient
	}
	return terms
}

// Models lists the distinct base models referenced by any layer, sorted.
func (r Recipe) Models() []string {
	seen := make(map[string]struct{})
	for _, layer := range r.Layers {
		for _, c := range layer {
			seen[c.SourceModel] = struct{}{}
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	slices.Sort(models)
	return models
}

// ApproxEqual compares two recipes term by term within tol.
func (r Recipe) ApproxEqual(other Recipe, tol float64) bool {
	if len(r.Layers) != len(other.Layers) {
		return false
	}
	for k := range 2 {
		if math.Abs(r.EmbeddingLambdas[k]-other.EmbeddingLambdas[k]) > tol ||
			math.Abs(r.LinearLambdas[k]-other.LinearLambdas[k]) > tol {
			return false
		}
	}
	for i := range r.Layers {
		a, b := r.Terms(i), other.Terms(i)
		for src, coeff := range a {
			if math.Abs(coeff-b[src]) > tol {
				return false
			}
		}
		for src, coeff := range b {
			if _, ok := a[src]; !ok && math.Abs(coeff) > tol {
				return false
			}
		}
	}
	return true
}

// String renders a compact description, used in logs.
func (r Recipe) String() string {
	terms := 0
	for _, layer := range r.Layers {
		terms += len(layer)
	}
	return fmt.Sprintf("recipe(layers=%d terms=%d models=%v emb=%v lin=%v)",
		len(r.Layers), terms, r.Models(), r.EmbeddingLambdas, r.LinearLambdas)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
