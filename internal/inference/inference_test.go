package inference

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/testutil"
	"github.com/shepherd-project/evolver/internal/tokenizer"
	"github.com/shepherd-project/evolver/internal/types"
)

type staticTokenizers struct {
	tok *tokenizer.Tokenizer
	err error
}

func (s staticTokenizers) EnsureLoaded(context.Context) error { return s.err }

func (s staticTokenizers) Tokenizer() (*tokenizer.Tokenizer, error) { return s.tok, nil }

func newEngine(t *testing.T, seed int64) *Engine {
	t.Helper()
	tok, err := tokenizer.New(tokenizer.ByteVocab(tokenizer.EndOfText), nil)
	require.NoError(t, err)
	return New(staticTokenizers{tok: tok}, Options{Seed: seed, Logger: logger.New(&bytes.Buffer{}, "error", false)})
}

// forcedModel always predicts token next: the final norm emits ones and only
// the output row of next is non-zero.
func forcedModel(t *testing.T, next int) *gpt2.Model {
	t.Helper()
	m := testutil.RandomModel(t, testutil.TinyHParams(2), 5)
	clear(m.FinalNormWeight.Data)
	for i := range m.FinalNormBias.Data {
		m.FinalNormBias.Data[i] = 1
	}
	clear(m.OutputProjection.Data)
	row := m.OutputProjection.Row(next)
	for j := range row {
		row[j] = 1
	}
	return m
}

const eos = 256

func TestGenerateGreedy(t *testing.T) {
	e := newEngine(t, -1)
	gen, err := e.Generate(context.Background(), forcedModel(t, 'a'), "hi", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "aaaaa", gen.Completion)
	assert.Equal(t, "hiaaaaa", gen.Text)
	assert.Equal(t, 2, gen.PromptTokens)
	assert.Equal(t, 5, gen.GeneratedTokens)
}

func TestGenerateStopsAtEndOfText(t *testing.T) {
	e := newEngine(t, -1)
	gen, err := e.Generate(context.Background(), forcedModel(t, eos), "hi<|endoftext|>", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, gen.Completion)
	assert.Equal(t, "hi", gen.Text, "special tokens are skipped")
	assert.Equal(t, 3, gen.PromptTokens)
	assert.Zero(t, gen.GeneratedTokens)
}

func TestGenerateStopsAtContextWindow(t *testing.T) {
	e := newEngine(t, -1)
	prompt := strings.Repeat("x", testutil.TinyHParams(2).Positions-3)
	gen, err := e.Generate(context.Background(), forcedModel(t, 'a'), prompt, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "aaa", gen.Completion)
	assert.Equal(t, testutil.TinyHParams(2).Positions, gen.PromptTokens+gen.GeneratedTokens)
}

func TestGenerateZeroTokens(t *testing.T) {
	e := newEngine(t, -1)
	gen, err := e.Generate(context.Background(), forcedModel(t, 'a'), "hi", 0, 0.7)
	require.NoError(t, err)
	assert.Equal(t, "hi", gen.Text)
	assert.Empty(t, gen.Completion)
}

func TestGenerateSeededIsReproducible(t *testing.T) {
	m := testutil.RandomModel(t, testutil.TinyHParams(2), 9)
	a, err := newEngine(t, 42).Generate(context.Background(), m, "the spider", 12, 1.0)
	require.NoError(t, err)
	b, err := newEngine(t, 42).Generate(context.Background(), m, "the spider", 12, 1.0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a.Text, "the spider"))
}

func TestGenerateErrors(t *testing.T) {
	m := forcedModel(t, 'a')
	broken := *m
	broken.Blocks = []gpt2.Block{{}}

	tests := []struct {
		name        string
		model       *gpt2.Model
		prompt      string
		maxNew      int
		temperature float64
		want        string
	}{
		{"negative temperature", m, "hi", 5, -0.1, "temperature"},
		{"negative length", m, "hi", -1, 0, "max new tokens"},
		{"empty prompt", m, "", 5, 0, "empty"},
		{"prompt fills window", m, strings.Repeat("x", 32), 5, 0, "context window"},
		{"no model", nil, "hi", 5, 0, "no model"},
		{"forward pass panics", &broken, "hi", 5, 0, "panic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newEngine(t, -1).Generate(context.Background(), tt.model, tt.prompt, tt.maxNew, tt.temperature)
			require.Error(t, err)
			assert.Equal(t, types.ErrInference, types.CodeOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGenerateTokenizerUnavailable(t *testing.T) {
	e := New(staticTokenizers{err: errors.New("no vocab.json")}, Options{Seed: -1, Logger: logger.New(&bytes.Buffer{}, "error", false)})
	_, err := e.Generate(context.Background(), forcedModel(t, 'a'), "hi", 5, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrInference, types.CodeOf(err))
	assert.Contains(t, err.Error(), "no vocab.json")
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t, -1).Generate(ctx, forcedModel(t, 'a'), "hi", 5, 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrInference, types.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateConcurrent(t *testing.T) {
	e := newEngine(t, -1)
	m := forcedModel(t, 'b')

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen, err := e.Generate(context.Background(), m, "ab", 4, 0)
			assert.NoError(t, err)
			assert.Equal(t, "bbbb", gen.Completion)
		}()
	}
	wg.Wait()
}
