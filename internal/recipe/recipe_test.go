package recipe

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Recipe)
		wantErr string
	}{
		{name: "identity is valid", mutate: func(r *Recipe) {}},
		{name: "no layers", mutate: func(r *Recipe) { r.Layers = nil }, wantErr: "no layers"},
		{name: "empty layer", mutate: func(r *Recipe) { r.Layers[1] = nil }, wantErr: "no contributions"},
		{name: "missing model", mutate: func(r *Recipe) { r.Layers[0][0].SourceModel = "" }, wantErr: "source model"},
		{name: "negative layer", mutate: func(r *Recipe) { r.Layers[0][0].SourceLayer = -2 }, wantErr: "negative"},
		{name: "nan coefficient", mutate: func(r *Recipe) { r.Layers[0][0].Coefficient = math.NaN() }, wantErr: "not finite"},
		{name: "inf lambda", mutate: func(r *Recipe) { r.LinearLambdas[1] = math.Inf(-1) }, wantErr: "linear"},
		{name: "too deep", mutate: func(r *Recipe) { *r = Identity("svamp", 49) }, wantErr: "too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Identity("svamp", 3)
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecipeNormalize(t *testing.T) {
	r := Recipe{
		Layers: [][]LayerContribution{{
			{SourceLayer: 2, SourceModel: "tinystories", Coefficient: 0.5},
			{SourceLayer: 1, SourceModel: "svamp", Coefficient: 0.25},
			{SourceLayer: 2, SourceModel: "tinystories", Coefficient: 0.5},
		}},
		EmbeddingLambdas: LambdaPair{0.5, 0.5},
		LinearLambdas:    Unit,
	}

	n := r.Normalize()
	assert.Equal(t, []LayerContribution{
		{SourceLayer: 1, SourceModel: "svamp", Coefficient: 0.25},
		{SourceLayer: 2, SourceModel: "tinystories", Coefficient: 1},
	}, n.Layers[0])
	assert.Len(t, r.Layers[0], 3, "input must not be modified")
	assert.True(t, r.ApproxEqual(n, 1e-12))
}

func TestRecipeApproxEqual(t *testing.T) {
	a := Identity("svamp", 2)
	b := Identity("svamp", 2)
	b.Layers[1][0].Coefficient = 1 + 1e-12
	assert.True(t, a.ApproxEqual(b, 1e-9))

	b.Layers[1] = append(b.Layers[1], LayerContribution{SourceLayer: 0, SourceModel: "tinystories", Coefficient: 0.1})
	assert.False(t, a.ApproxEqual(b, 1e-9))
	assert.False(t, a.ApproxEqual(Identity("svamp", 3), 1e-9))
}

func TestRecipeJSON(t *testing.T) {
	r := Identity("svamp", 1)
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"layers":[[{"srcLayer":0,"srcModel":"svamp","coeff":1}]],"embeddingLambdas":[1,1],"linearLambdas":[1,1]}`, string(data))

	var back Recipe
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r, back)
}

func TestRecipeModels(t *testing.T) {
	r := Recipe{Layers: [][]LayerContribution{
		{{SourceModel: "tinystories"}, {SourceModel: "svamp"}},
		{{SourceModel: "svamp", SourceLayer: 3}},
	}}
	assert.Equal(t, []string{"svamp", "tinystories"}, r.Models())
	assert.Contains(t, r.String(), "layers=2")
}
