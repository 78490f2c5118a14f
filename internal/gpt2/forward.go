package gpt2

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/shepherd-project/evolver/internal/tensor"
)

// State is the key/value cache of one generation. It is not safe for
// concurrent use; the Model it reads from is.
type State struct {
	model *Model
	pos   int

	keys   [][]float32 // per layer, pos*embd
	values [][]float32

	// scratch
	x, h, qkv, attn, proj, up []float32
	scores                    []float32
}

// NewState prepares an empty cache for m.
func (m *Model) NewState() *State {
	hp := m.HParams
	e := hp.Embedding
	return &State{
		model:  m,
		keys:   make([][]float32, len(m.Blocks)),
		values: make([][]float32, len(m.Blocks)),
		x:      make([]float32, e),
		h:      make([]float32, e),
		qkv:    make([]float32, 3*e),
		attn:   make([]float32, e),
		proj:   make([]float32, e),
		up:     make([]float32, hp.Inner),
		scores: make([]float32, hp.Positions),
	}
}

// Pos is the number of tokens consumed so far.
func (s *State) Pos() int {
	return s.pos
}

// Feed runs tokens through the model and returns the logits after the last
// one. Logits are only computed for the final token.
func (s *State) Feed(tokens []int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("gpt2: no tokens to feed")
	}
	for i, tok := range tokens {
		if err := s.step(tok); err != nil {
			return nil, err
		}
		if i == len(tokens)-1 {
			return s.logits(), nil
		}
	}
	return nil, nil
}

func (s *State) step(token int) error {
	m := s.model
	hp := m.HParams
	if token < 0 || token >= hp.VocabSize {
		return fmt.Errorf("gpt2: token %d outside vocabulary of %d", token, hp.VocabSize)
	}
	if s.pos >= hp.Positions {
		return fmt.Errorf("gpt2: context window of %d positions is full", hp.Positions)
	}

	copy(s.x, m.TokenEmbedding.Row(token))
	blas32.Axpy(1, tensor.Vec(m.PositionEmbedding.Row(s.pos)), tensor.Vec(s.x))

	for l, b := range m.Blocks {
		s.attend(l, b)
		s.feedForward(b)
	}
	s.pos++
	return nil
}

func (s *State) attend(layer int, b Block) {
	hp := s.model.HParams
	e := hp.Embedding
	headDim := e / hp.Heads

	layerNorm(s.h, s.x, b[Norm1Weight].Data, b[Norm1Bias].Data, hp.LayerNormEps)
	linear(s.qkv, s.h, b[AttnQKVWeight], b[AttnQKVBias])

	s.keys[layer] = append(s.keys[layer], s.qkv[e:2*e]...)
	s.values[layer] = append(s.values[layer], s.qkv[2*e:]...)
	keys, values := s.keys[layer], s.values[layer]
	n := s.pos + 1

	scale := float32(1 / math.Sqrt(float64(headDim)))
	for head := range hp.Heads {
		off := head * headDim
		q := tensor.Vec(s.qkv[off : off+headDim])
		scores := s.scores[:n]
		for t := range n {
			k := tensor.Vec(keys[t*e+off : t*e+off+headDim])
			scores[t] = blas32.Dot(q, k) * scale
		}
		softmax32(scores)

		out := s.attn[off : off+headDim]
		clear(out)
		for t := range n {
			blas32.Axpy(scores[t], tensor.Vec(values[t*e+off:t*e+off+headDim]), tensor.Vec(out))
		}
	}

	linear(s.proj, s.attn, b[AttnProjWeight], b[AttnProjBias])
	blas32.Axpy(1, tensor.Vec(s.proj), tensor.Vec(s.x))
}

func (s *State) feedForward(b Block) {
	hp := s.model.HParams
	layerNorm(s.h, s.x, b[Norm2Weight].Data, b[Norm2Bias].Data, hp.LayerNormEps)
	linear(s.up, s.h, b[MLPUpWeight], b[MLPUpBias])
	for i, v := range s.up {
		s.up[i] = gelu(v)
	}
	linear(s.proj, s.up, b[MLPDownWeight], b[MLPDownBias])
	blas32.Axpy(1, tensor.Vec(s.proj), tensor.Vec(s.x))
}

func (s *State) logits() []float32 {
	m := s.model
	layerNorm(s.h, s.x, m.FinalNormWeight.Data, m.FinalNormBias.Data, m.HParams.LayerNormEps)
	out := make([]float32, m.HParams.VocabSize)
	blas32.Gemv(blas.NoTrans, 1, m.OutputProjection.General(), tensor.Vec(s.h), 0, tensor.Vec(out))
	return out
}

// linear computes dst = x·W + bias for a Conv1D weight of shape [in, out].
func linear(dst, x []float32, w, bias *tensor.Tensor) {
	copy(dst, bias.Data)
	blas32.Gemv(blas.Trans, 1, w.General(), tensor.Vec(x), 1, tensor.Vec(dst))
}

func layerNorm(dst, x, weight, bias []float32, eps float64) {
	var mean float64
	for _, v := range x {
		mean += float64(v)
	}
	mean /= float64(len(x))

	var variance float64
	for _, v := range x {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(x))

	inv := 1 / math.Sqrt(variance+eps)
	for i, v := range x {
		dst[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// gelu is the tanh approximation GPT-2 was trained with.
func gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v))))
}

func softmax32(xs []float32) {
	maxV := xs[0]
	for _, v := range xs[1:] {
		maxV = max(maxV, v)
	}
	var sum float64
	for i, v := range xs {
		e := math.Exp(float64(v - maxV))
		xs[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range xs {
		xs[i] *= inv
	}
}
