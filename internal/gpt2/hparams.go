// Package gpt2 holds GPT-2 model weights and runs the forward pass.
package gpt2

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigFile is the HuggingFace hyper-parameter file in a model directory.
const ConfigFile = "config.json"

// HParams are the architecture hyper-parameters of a GPT-2 model.
type HParams struct {
	VocabSize    int     `json:"vocab_size"`
	Positions    int     `json:"n_positions"`
	Embedding    int     `json:"n_embd"`
	Heads        int     `json:"n_head"`
	Layers       int     `json:"n_layer"`
	Inner        int     `json:"n_inner,omitempty"`
	LayerNormEps float64 `json:"layer_norm_epsilon"`
}

// Medium is the gpt2-medium architecture.
var Medium = HParams{
	VocabSize:    50257,
	Positions:    1024,
	Embedding:    1024,
	Heads:        16,
	Layers:       24,
	Inner:        4096,
	LayerNormEps: 1e-5,
}

// LoadHParams reads config.json. Missing optional fields get GPT-2 defaults.
func LoadHParams(path string) (HParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HParams{}, err
	}
	var raw struct {
		HParams
		Ctx        int    `json:"n_ctx"`
		Activation string `json:"activation_function"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return HParams{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw.Activation != "" && raw.Activation != "gelu_new" && raw.Activation != "gelu" {
		return HParams{}, fmt.Errorf("%s: unsupported activation %s", path, raw.Activation)
	}
	hp := raw.HParams
	if hp.Positions == 0 {
		hp.Positions = raw.Ctx
	}
	hp = hp.withDefaults()
	return hp, hp.Validate()
}

func (hp HParams) withDefaults() HParams {
	if hp.Inner == 0 {
		hp.Inner = 4 * hp.Embedding
	}
	if hp.LayerNormEps == 0 {
		hp.LayerNormEps = 1e-5
	}
	return hp
}

func (hp HParams) Validate() error {
	switch {
	case hp.VocabSize <= 0:
		return fmt.Errorf("gpt2: vocab_size must be positive")
	case hp.Positions <= 0:
		return fmt.Errorf("gpt2: n_positions must be positive")
	case hp.Embedding <= 0 || hp.Heads <= 0:
		return fmt.Errorf("gpt2: n_embd and n_head must be positive")
	case hp.Embedding%hp.Heads != 0:
		return fmt.Errorf("gpt2: n_embd %d not divisible by n_head %d", hp.Embedding, hp.Heads)
	case hp.Layers <= 0:
		return fmt.Errorf("gpt2: n_layer must be positive")
	}
	return nil
}

// SameShape reports whether two models can be combined tensor by tensor,
// ignoring depth.
func (hp HParams) SameShape(o HParams) bool {
	return hp.VocabSize == o.VocabSize &&
		hp.Positions == o.Positions &&
		hp.Embedding == o.Embedding &&
		hp.Heads == o.Heads &&
		hp.Inner == o.Inner
}

// ParamsPerBlock is the number of float32 values in one transformer block.
func (hp HParams) ParamsPerBlock() int64 {
	e, in := int64(hp.Embedding), int64(hp.Inner)
	ln := 2 * 2 * e
	attn := e*3*e + 3*e + e*e + e
	mlp := e*in + in + in*e + e
	return ln + attn + mlp
}

// SharedParams counts embeddings, final norm and output projection.
func (hp HParams) SharedParams() int64 {
	e := int64(hp.Embedding)
	return int64(hp.VocabSize)*e*2 + int64(hp.Positions)*e + 2*e
}

// EstimateBytes is the float32 footprint of a depth-layer model.
func (hp HParams) EstimateBytes(depth int) int64 {
	return 4 * (hp.SharedParams() + int64(depth)*hp.ParamsPerBlock())
}
