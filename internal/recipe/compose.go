package recipe

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shepherd-project/evolver/internal/types"
)

// PlanTerm selects layer Index of input Selector (0 or 1) scaled by Alpha.
// On the wire it is the array [index, selector, alpha].
type PlanTerm struct {
	Index    int
	Selector int
	Alpha    float64
}

func (t PlanTerm) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{t.Index, t.Selector, t.Alpha})
}

func (t *PlanTerm) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("plan term must be [index, selector, alpha]: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("plan term must have 3 elements, got %d", len(raw))
	}
	idx, err := wholeNumber(raw[0])
	if err != nil {
		return fmt.Errorf("plan term index: %w", err)
	}
	sel, err := wholeNumber(raw[1])
	if err != nil {
		return fmt.Errorf("plan term selector: %w", err)
	}
	alpha, err := raw[2].Float64()
	if err != nil {
		return fmt.Errorf("plan term alpha: %w", err)
	}
	*t = PlanTerm{Index: idx, Selector: sel, Alpha: alpha}
	return nil
}

// wholeNumber accepts integers written as floats, like 1.0, but not 1.5.
func wholeNumber(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s is not an integer", n)
	}
	return int(f), nil
}

// MergePlan lists, for each output layer, the input layers to combine.
type MergePlan [][]PlanTerm

// ValidatePlan rejects a plan before any store or weight access.
func ValidatePlan(plan MergePlan) error {
	if len(plan) > MaxLayers {
		return types.NewValidationError("Layer recipe too long. Max %d layers supported.", MaxLayers)
	}
	if len(plan) == 0 {
		return types.NewValidationError("layer recipe is empty")
	}
	for i, layer := range plan {
		if len(layer) == 0 {
			return types.NewValidationError("output layer %d has no terms", i)
		}
		for _, term := range layer {
			if term.Selector != 0 && term.Selector != 1 {
				return types.NewValidationError("output layer %d: model selector must be 0 or 1, got %d", i, term.Selector)
			}
			if term.Index < 0 {
				return types.NewValidationError("output layer %d: negative layer index %d", i, term.Index)
			}
			if !finite(term.Alpha) {
				return types.NewValidationError("output layer %d: alpha is not finite", i)
			}
		}
	}
	return nil
}

// Compose flattens two recipes through a plan into a new recipe whose
// contributions still reference base layers only. Equal sources are summed.
func Compose(a, b Recipe, plan MergePlan, embedding, linear LambdaPair) (Recipe, error) {
	if err := ValidatePlan(plan); err != nil {
		return Recipe{}, err
	}
	if err := embedding.Validate("embedding"); err != nil {
		return Recipe{}, err
	}
	if err := linear.Validate("linear"); err != nil {
		return Recipe{}, err
	}

	inputs := [2]Recipe{a, b}
	out := Recipe{Layers: make([][]LayerContribution, len(plan))}

	for i, layer := range plan {
		acc := make(map[Source]float64)
		for _, term := range layer {
			in := inputs[term.Selector]
			if term.Index >= len(in.Layers) {
				return Recipe{}, types.NewValidationError(
					"output layer %d: layer index %d out of range for model %d with %d layers",
					i, term.Index, term.Selector, len(in.Layers))
			}
			for _, c := range in.Layers[term.Index] {
				acc[c.Source()] += term.Alpha * c.Coefficient
			}
		}
		out.Layers[i] = flatten(acc)
	}

	for k := range 2 {
		out.EmbeddingLambdas[k] = embedding[k]*a.EmbeddingLambdas[k] + (1-embedding[k])*b.EmbeddingLambdas[k]
		out.LinearLambdas[k] = linear[k]*a.LinearLambdas[k] + (1-linear[k])*b.LinearLambdas[k]
	}
	return out, nil
}
