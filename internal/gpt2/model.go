package gpt2

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shepherd-project/evolver/internal/tensor"
)

// Shared tensor names, in HuggingFace GPT-2 naming without the
// "transformer." prefix.
const (
	TokenEmbedding    = "wte.weight"
	PositionEmbedding = "wpe.weight"
	FinalNormWeight   = "ln_f.weight"
	FinalNormBias     = "ln_f.bias"
	OutputProjection  = "lm_head.weight"
)

// Per block tensor names, relative to "h.{i}.". Linear weights use the
// Conv1D layout [in, out].
const (
	Norm1Weight    = "ln_1.weight"
	Norm1Bias      = "ln_1.bias"
	AttnQKVWeight  = "attn.c_attn.weight"
	AttnQKVBias    = "attn.c_attn.bias"
	AttnProjWeight = "attn.c_proj.weight"
	AttnProjBias   = "attn.c_proj.bias"
	Norm2Weight    = "ln_2.weight"
	Norm2Bias      = "ln_2.bias"
	MLPUpWeight    = "mlp.c_fc.weight"
	MLPUpBias      = "mlp.c_fc.bias"
	MLPDownWeight  = "mlp.c_proj.weight"
	MLPDownBias    = "mlp.c_proj.bias"
)

// BlockParams lists every parameter of a block in a fixed order.
var BlockParams = []string{
	Norm1Weight, Norm1Bias,
	AttnQKVWeight, AttnQKVBias,
	AttnProjWeight, AttnProjBias,
	Norm2Weight, Norm2Bias,
	MLPUpWeight, MLPUpBias,
	MLPDownWeight, MLPDownBias,
}

// Block is one transformer layer.
type Block map[string]*tensor.Tensor

// Model is a complete set of GPT-2 weights. Once built it is only read.
type Model struct {
	HParams HParams

	TokenEmbedding    *tensor.Tensor // [vocab, embd]
	PositionEmbedding *tensor.Tensor // [positions, embd]
	FinalNormWeight   *tensor.Tensor
	FinalNormBias     *tensor.Tensor
	OutputProjection  *tensor.Tensor // [vocab, embd]

	Blocks []Block
}

// FromTensors assembles a Model from a flat HuggingFace state dict. The
// "transformer." prefix is optional, attention mask buffers are ignored and a
// missing lm_head is tied to the token embedding.
func FromTensors(hp HParams, tensors map[string]*tensor.Tensor) (*Model, error) {
	m := &Model{HParams: hp, Blocks: make([]Block, hp.Layers)}
	for i := range m.Blocks {
		m.Blocks[i] = make(Block, len(BlockParams))
	}

	for name, t := range tensors {
		name = strings.TrimPrefix(name, "transformer.")
		switch name {
		case TokenEmbedding:
			m.TokenEmbedding = t
		case PositionEmbedding:
			m.PositionEmbedding = t
		case FinalNormWeight:
			m.FinalNormWeight = t
		case FinalNormBias:
			m.FinalNormBias = t
		case OutputProjection:
			m.OutputProjection = t
		default:
			rest, ok := strings.CutPrefix(name, "h.")
			if !ok {
				continue
			}
			idx, param, ok := strings.Cut(rest, ".")
			if !ok {
				continue
			}
			if param == "attn.bias" || param == "attn.masked_bias" {
				continue
			}
			i, err := strconv.Atoi(idx)
			if err != nil {
				return nil, fmt.Errorf("gpt2: bad layer index in %s", name)
			}
			if i < 0 || i >= hp.Layers {
				return nil, fmt.Errorf("gpt2: %s is beyond n_layer %d", name, hp.Layers)
			}
			if !slices.Contains(BlockParams, param) {
				continue
			}
			m.Blocks[i][param] = t
		}
	}

	if m.OutputProjection == nil {
		m.OutputProjection = m.TokenEmbedding
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Tensors flattens the model back into a state dict.
func (m *Model) Tensors() map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{
		TokenEmbedding:    m.TokenEmbedding,
		PositionEmbedding: m.PositionEmbedding,
		FinalNormWeight:   m.FinalNormWeight,
		FinalNormBias:     m.FinalNormBias,
		OutputProjection:  m.OutputProjection,
	}
	for i, b := range m.Blocks {
		for name, t := range b {
			out[BlockTensorName(i, name)] = t
		}
	}
	return out
}

// BlockTensorName is the state dict key of a block parameter.
func BlockTensorName(layer int, param string) string {
	return "h." + strconv.Itoa(layer) + "." + param
}

// Validate checks that every tensor is present with the expected shape.
func (m *Model) Validate() error {
	hp := m.HParams
	if err := hp.Validate(); err != nil {
		return err
	}
	if len(m.Blocks) != hp.Layers {
		return fmt.Errorf("gpt2: %d blocks for n_layer %d", len(m.Blocks), hp.Layers)
	}
	e, in := hp.Embedding, hp.Inner

	shared := []struct {
		name  string
		t     *tensor.Tensor
		shape []int
	}{
		{TokenEmbedding, m.TokenEmbedding, []int{hp.VocabSize, e}},
		{PositionEmbedding, m.PositionEmbedding, []int{hp.Positions, e}},
		{FinalNormWeight, m.FinalNormWeight, []int{e}},
		{FinalNormBias, m.FinalNormBias, []int{e}},
		{OutputProjection, m.OutputProjection, []int{hp.VocabSize, e}},
	}
	for _, s := range shared {
		if err := checkShape(s.name, s.t, s.shape); err != nil {
			return err
		}
	}

	want := BlockShapes(e, in)
	for i, b := range m.Blocks {
		for _, name := range BlockParams {
			if err := checkShape(BlockTensorName(i, name), b[name], want[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

// BlockShapes gives the expected shape of each block parameter.
func BlockShapes(embd, inner int) map[string][]int {
	return map[string][]int{
		Norm1Weight:    {embd},
		Norm1Bias:      {embd},
		AttnQKVWeight:  {embd, 3 * embd},
		AttnQKVBias:    {3 * embd},
		AttnProjWeight: {embd, embd},
		AttnProjBias:   {embd},
		Norm2Weight:    {embd},
		Norm2Bias:      {embd},
		MLPUpWeight:    {embd, inner},
		MLPUpBias:      {inner},
		MLPDownWeight:  {inner, embd},
		MLPDownBias:    {embd},
	}
}

func checkShape(name string, t *tensor.Tensor, want []int) error {
	if t == nil {
		return fmt.Errorf("gpt2: missing tensor %s", name)
	}
	if !slices.Equal(t.Shape, want) {
		return fmt.Errorf("gpt2: tensor %s has shape %v, want %v", name, t.Shape, want)
	}
	return nil
}

// Bytes is the memory held by the model's tensors. A tied output projection
// is counted once.
func (m *Model) Bytes() int64 {
	n := m.TokenEmbedding.Bytes() + m.PositionEmbedding.Bytes() +
		m.FinalNormWeight.Bytes() + m.FinalNormBias.Bytes()
	if m.OutputProjection != m.TokenEmbedding {
		n += m.OutputProjection.Bytes()
	}
	for _, b := range m.Blocks {
		for _, t := range b {
			n += t.Bytes()
		}
	}
	return n
}
