package gguf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/testutil"
)

func TestNameMapping(t *testing.T) {
	tests := []struct {
		gguf, state string
	}{
		{"token_embd.weight", gpt2.TokenEmbedding},
		{"output_norm.bias", gpt2.FinalNormBias},
		{"blk.0.attn_qkv.weight", "h.0.attn.c_attn.weight"},
		{"blk.11.ffn_down.bias", "h.11.mlp.c_proj.bias"},
	}
	for _, tt := range tests {
		t.Run(tt.gguf, func(t *testing.T) {
			got, ok, err := stateDictName(tt.gguf)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.state, got)
			assert.Equal(t, tt.gguf, ggufName(tt.state))
		})
	}

	_, ok, err := stateDictName("rope_freqs.weight")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = stateDictName("blk.x.attn_qkv.weight")
	assert.Error(t, err)

	assert.True(t, isTransposed("h.3.mlp.c_fc.weight"))
	assert.False(t, isTransposed("h.3.mlp.c_fc.bias"))
	assert.False(t, isTransposed(gpt2.TokenEmbedding))
}

func TestRoundTripF32(t *testing.T) {
	src := testutil.RandomModel(t, testutil.TinyHParams(2), 11)
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, Write(path, src, WriteOptions{Name: "tiny"}))

	p, err := NewParser(path)
	require.NoError(t, err)
	assert.Equal(t, Architecture, p.Architecture())

	hp, err := p.HParams()
	require.NoError(t, err)
	assert.Equal(t, src.HParams, hp)
	assert.Equal(t, 1e-5, hp.LayerNormEps)

	got, err := p.Model()
	require.NoError(t, err)
	want := src.Tensors()
	for name, tt := range got.Tensors() {
		require.Contains(t, want, name)
		assert.Equal(t, want[name].Shape, tt.Shape, name)
		assert.Equal(t, want[name].Data, tt.Data, name)
	}
}

func TestWidenKeepsDecimalValue(t *testing.T) {
	for _, v := range []float64{1e-5, 1e-6, 0.1, 3e-3} {
		assert.Equal(t, v, widen(float32(v)))
	}
}

func TestRoundTripF16(t *testing.T) {
	src := testutil.RandomModel(t, testutil.TinyHParams(1), 12)
	path := filepath.Join(t.TempDir(), "tiny-f16.gguf")
	require.NoError(t, Write(path, src, WriteOptions{F16: true}))

	got, err := Load(path)
	require.NoError(t, err)

	want := src.Blocks[0][gpt2.AttnQKVWeight]
	have := got.Blocks[0][gpt2.AttnQKVWeight]
	require.Equal(t, want.Shape, have.Shape)
	for i := range want.Data {
		assert.InDelta(t, want.Data[i], have.Data[i], 1e-3)
	}
	// 1-D tensors are kept in F32.
	assert.Equal(t, src.FinalNormBias.Data, got.FinalNormBias.Data)
}

func TestWriteAligned(t *testing.T) {
	src := testutil.RandomModel(t, testutil.TinyHParams(1), 13)
	path := filepath.Join(t.TempDir(), "a.gguf")
	require.NoError(t, Write(path, src, WriteOptions{}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size()%Alignment)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestNewParserRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(path, []byte("not a gguf file at all"), 0o644))
	_, err := NewParser(path)
	assert.Error(t, err)
}
