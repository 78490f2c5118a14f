// Package testutil builds tiny GPT-2 models on disk for tests.
package testutil

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/tensor"
	"github.com/shepherd-project/evolver/internal/tokenizer"
)

// WeightsFile is the safetensors file written by WriteModel.
const WeightsFile = "model.safetensors"

// TinyHParams is a model small enough to run in unit tests. The vocabulary
// is the byte alphabet plus the end-of-text token.
func TinyHParams(layers int) gpt2.HParams {
	return gpt2.HParams{
		VocabSize:    257,
		Positions:    32,
		Embedding:    8,
		Heads:        2,
		Layers:       layers,
		Inner:        16,
		LayerNormEps: 1e-5,
	}
}

// RandomModel fills every tensor of hp with values drawn from seed.
func RandomModel(t testing.TB, hp gpt2.HParams, seed uint64) *gpt2.Model {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	fill := func(shape ...int) *tensor.Tensor {
		out := tensor.New(shape...)
		for i := range out.Data {
			out.Data[i] = float32(rng.NormFloat64() * 0.2)
		}
		return out
	}

	tensors := map[string]*tensor.Tensor{
		gpt2.TokenEmbedding:    fill(hp.VocabSize, hp.Embedding),
		gpt2.PositionEmbedding: fill(hp.Positions, hp.Embedding),
		gpt2.FinalNormWeight:   fill(hp.Embedding),
		gpt2.FinalNormBias:     fill(hp.Embedding),
		gpt2.OutputProjection:  fill(hp.VocabSize, hp.Embedding),
	}
	shapes := gpt2.BlockShapes(hp.Embedding, hp.Inner)
	for l := range hp.Layers {
		for _, name := range gpt2.BlockParams {
			tensors[gpt2.BlockTensorName(l, name)] = fill(shapes[name]...)
		}
	}
	m, err := gpt2.FromTensors(hp, tensors)
	require.NoError(t, err)
	return m
}

// WriteModel stores m as config.json and model.safetensors under dir.
func WriteModel(t testing.TB, dir string, m *gpt2.Model) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	cfg := struct {
		gpt2.HParams
		Activation string `json:"activation_function"`
	}{m.HParams, "gelu_new"}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, gpt2.ConfigFile), data, 0o644))

	require.NoError(t, tensor.WriteSafetensors(filepath.Join(dir, WeightsFile), m.Tensors(), map[string]string{"format": "pt"}))
}

// WriteTokenizer writes a byte-level vocab.json and an empty merges.txt that
// match TinyHParams.
func WriteTokenizer(t testing.TB, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(tokenizer.ByteVocab(tokenizer.EndOfText))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, tokenizer.VocabFile), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tokenizer.MergesFile), []byte("#version: 0.2\n"), 0o644))
}

// ModelDir writes a random tiny model with the given depth and returns its
// directory.
func ModelDir(t testing.TB, root, name string, layers int, seed uint64) string {
	t.Helper()
	dir := filepath.Join(root, name)
	WriteModel(t, dir, RandomModel(t, TinyHParams(layers), seed))
	return dir
}
