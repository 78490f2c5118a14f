// Package inference runs autoregressive text generation over a materialized
// GPT-2 model.
package inference

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/sample"
	"github.com/shepherd-project/evolver/internal/tokenizer"
	"github.com/shepherd-project/evolver/internal/types"
)

// Tokenizers supplies the shared tokenizer. *catalog.Catalog implements it.
type Tokenizers interface {
	EnsureLoaded(ctx context.Context) error
	Tokenizer() (*tokenizer.Tokenizer, error)
}

// Options configures an Engine.
type Options struct {
	// Seed fixes the sampling source of every generation; -1 draws from the
	// global source.
	Seed   int64
	Logger *logger.Logger
}

// Generation is the outcome of one Generate call.
type Generation struct {
	// Text is the decoded prompt followed by the completion, special tokens
	// skipped.
	Text            string `json:"text"`
	Completion      string `json:"completion"`
	PromptTokens    int    `json:"promptTokens"`
	GeneratedTokens int    `json:"generatedTokens"`
}

// Engine generates text. It is safe for concurrent use; every call owns its
// own cache and sampler.
type Engine struct {
	tokens Tokenizers
	seed   int64
	log    *logger.Logger
}

// New creates an Engine reading its tokenizer from t.
func New(t Tokenizers, opts Options) *Engine {
	e := &Engine{tokens: t, seed: opts.Seed, log: opts.Logger}
	if e.log == nil {
		e.log = logger.GetLogger()
	}
	return e
}

// Generate continues prompt with at most maxNewTokens tokens. Generation
// stops early at end-of-text or when the context window is full. A
// temperature of 0 is greedy decoding.
func (e *Engine) Generate(ctx context.Context, m *gpt2.Model, prompt string, maxNewTokens int, temperature float64) (gen Generation, err error) {
	defer func() {
		if r := recover(); r != nil {
			gen = Generation{}
			err = types.NewInferenceError(fmt.Errorf("panic: %v", r), "generation failed")
		}
	}()

	if m == nil {
		return Generation{}, types.NewInferenceError(nil, "no model to generate with")
	}
	if math.IsNaN(temperature) || temperature < 0 {
		return Generation{}, types.NewInferenceError(nil, "temperature must be >= 0, got %v", temperature)
	}
	if maxNewTokens < 0 {
		return Generation{}, types.NewInferenceError(nil, "max new tokens must be >= 0, got %d", maxNewTokens)
	}

	if err := e.tokens.EnsureLoaded(ctx); err != nil {
		return Generation{}, types.NewInferenceError(err, "tokenizer is unavailable")
	}
	tok, err := e.tokens.Tokenizer()
	if err != nil {
		return Generation{}, types.NewInferenceError(err, "tokenizer is unavailable")
	}

	ids, err := tok.Encode(prompt)
	if err != nil {
		return Generation{}, types.NewInferenceError(err, "failed to tokenize prompt")
	}
	window := m.HParams.Positions
	switch {
	case len(ids) == 0:
		return Generation{}, types.NewInferenceError(nil, "prompt is empty")
	case len(ids) >= window:
		return Generation{}, types.NewInferenceError(nil, "prompt has %d tokens, context window is %d", len(ids), window)
	}

	sampler, err := sample.New(temperature, e.seed)
	if err != nil {
		return Generation{}, types.NewInferenceError(err, "invalid sampling parameters")
	}

	start := time.Now()
	out, err := e.decode(ctx, m.NewState(), sampler, tok.EOS(), ids, min(maxNewTokens, window-len(ids)))
	if err != nil {
		return Generation{}, types.NewInferenceError(err, "generation failed")
	}

	completion, err := tok.Decode(out, true)
	if err != nil {
		return Generation{}, types.NewInferenceError(err, "failed to decode output")
	}
	text, err := tok.Decode(append(ids[:len(ids):len(ids)], out...), true)
	if err != nil {
		return Generation{}, types.NewInferenceError(err, "failed to decode output")
	}

	elapsed := time.Since(start)
	e.log.WithFields(map[string]interface{}{
		"prompt_tokens": len(ids),
		"new_tokens":    len(out),
		"temperature":   temperature,
	}).Debugf("generated in %v", elapsed.Round(time.Millisecond))

	return Generation{
		Text:            text,
		Completion:      completion,
		PromptTokens:    len(ids),
		GeneratedTokens: len(out),
	}, nil
}

// decode samples up to limit tokens after prompt. The end-of-text token is
// not part of the result.
func (e *Engine) decode(ctx context.Context, st *gpt2.State, s sample.Sampler, eos int, prompt []int, limit int) ([]int, error) {
	out := make([]int, 0, limit)
	if limit == 0 {
		return out, nil
	}

	logits, err := st.Feed(prompt)
	if err != nil {
		return nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := s.Sample(logits)
		if err != nil {
			return nil, err
		}
		if id == eos {
			return out, nil
		}
		out = append(out, id)
		if len(out) == limit {
			return out, nil
		}
		if logits, err = st.Feed([]int{id}); err != nil {
			return nil, err
		}
	}
}
