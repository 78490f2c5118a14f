package gpt2_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/tensor"
	"github.com/shepherd-project/evolver/internal/testutil"
)

func TestLoadHParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), gpt2.ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"vocab_size": 50257, "n_ctx": 1024, "n_embd": 1024, "n_head": 16,
		"n_layer": 24, "activation_function": "gelu_new"}`), 0o644))

	hp, err := gpt2.LoadHParams(path)
	require.NoError(t, err)
	assert.Equal(t, gpt2.Medium, hp)

	require.NoError(t, os.WriteFile(path, []byte(`{"vocab_size": 10, "n_positions": 4, "n_embd": 6, "n_head": 4, "n_layer": 1}`), 0o644))
	_, err = gpt2.LoadHParams(path)
	assert.ErrorContains(t, err, "not divisible")

	require.NoError(t, os.WriteFile(path, []byte(`{"vocab_size": 10, "n_positions": 4, "n_embd": 4, "n_head": 2, "n_layer": 1, "activation_function": "relu"}`), 0o644))
	_, err = gpt2.LoadHParams(path)
	assert.ErrorContains(t, err, "unsupported activation")
}

func TestFromTensorsPrefixAndTiedHead(t *testing.T) {
	hp := testutil.TinyHParams(2)
	src := testutil.RandomModel(t, hp, 1)

	raw := make(map[string]*tensor.Tensor)
	for name, tt := range src.Tensors() {
		if name == gpt2.OutputProjection {
			continue
		}
		raw["transformer."+name] = tt
	}
	raw["transformer.h.0.attn.bias"] = tensor.New(1, 1, hp.Positions, hp.Positions)

	m, err := gpt2.FromTensors(hp, raw)
	require.NoError(t, err)
	assert.Same(t, m.TokenEmbedding, m.OutputProjection)
	assert.Len(t, m.Blocks, 2)
	assert.Less(t, m.Bytes(), src.Bytes())
}

func TestFromTensorsRejectsBadShapes(t *testing.T) {
	hp := testutil.TinyHParams(1)
	tensors := testutil.RandomModel(t, hp, 2).Tensors()

	tensors[gpt2.BlockTensorName(0, gpt2.MLPUpWeight)] = tensor.New(hp.Embedding, hp.Inner+1)
	_, err := gpt2.FromTensors(hp, tensors)
	assert.ErrorContains(t, err, "h.0.mlp.c_fc.weight")

	delete(tensors, gpt2.BlockTensorName(0, gpt2.MLPUpWeight))
	_, err = gpt2.FromTensors(hp, tensors)
	assert.ErrorContains(t, err, "missing tensor")

	tensors = testutil.RandomModel(t, hp, 2).Tensors()
	tensors["h.3.ln_1.weight"] = tensor.New(hp.Embedding)
	_, err = gpt2.FromTensors(hp, tensors)
	assert.ErrorContains(t, err, "beyond n_layer")
}

func TestFeedDeterministic(t *testing.T) {
	m := testutil.RandomModel(t, testutil.TinyHParams(3), 3)
	prompt := []int{104, 105, 32, 256}

	a, err := m.NewState().Feed(prompt)
	require.NoError(t, err)
	b, err := m.NewState().Feed(prompt)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, m.HParams.VocabSize)
}

func TestFeedIncrementalMatchesBatch(t *testing.T) {
	m := testutil.RandomModel(t, testutil.TinyHParams(2), 4)
	tokens := []int{10, 20, 30, 40, 50}

	whole, err := m.NewState().Feed(tokens)
	require.NoError(t, err)

	s := m.NewState()
	_, err = s.Feed(tokens[:3])
	require.NoError(t, err)
	_, err = s.Feed(tokens[3:4])
	require.NoError(t, err)
	last, err := s.Feed(tokens[4:])
	require.NoError(t, err)

	assert.Equal(t, 5, s.Pos())
	assert.InDeltaSlice(t, whole, last, 1e-5)
}

func TestFeedZeroBlocksIsEmbeddingOnly(t *testing.T) {
	hp := testutil.TinyHParams(1)
	m := testutil.RandomModel(t, hp, 5)
	for _, tt := range m.Blocks[0] {
		clear(tt.Data)
	}

	logits, err := m.NewState().Feed([]int{7})
	require.NoError(t, err)

	x := make([]float64, hp.Embedding)
	var mean float64
	for i := range x {
		x[i] = float64(m.TokenEmbedding.Row(7)[i] + m.PositionEmbedding.Row(0)[i])
		mean += x[i]
	}
	mean /= float64(len(x))
	var variance float64
	for _, v := range x {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(x))

	h := make([]float64, hp.Embedding)
	for i, v := range x {
		h[i] = (v-mean)/math.Sqrt(variance+hp.LayerNormEps)*float64(m.FinalNormWeight.Data[i]) + float64(m.FinalNormBias.Data[i])
	}
	for tok := range hp.VocabSize {
		var want float64
		for i, w := range m.OutputProjection.Row(tok) {
			want += float64(w) * h[i]
		}
		require.InDelta(t, want, logits[tok], 1e-4, "token %d", tok)
	}
}

func TestFeedErrors(t *testing.T) {
	hp := testutil.TinyHParams(1)
	m := testutil.RandomModel(t, hp, 6)

	_, err := m.NewState().Feed(nil)
	assert.Error(t, err)

	_, err = m.NewState().Feed([]int{hp.VocabSize})
	assert.ErrorContains(t, err, "outside vocabulary")

	long := make([]int, hp.Positions+1)
	_, err = m.NewState().Feed(long)
	assert.ErrorContains(t, err, "context window")
}
