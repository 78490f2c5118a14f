package gpt2

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayerNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	layerNorm(dst, x, []float32{1, 1, 1, 1}, []float32{0, 0, 0, 0}, 0)

	var mean, sq float64
	for _, v := range dst {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 0, mean/4, 1e-6)
	assert.InDelta(t, 1, sq/4, 1e-5)

	layerNorm(dst, x, []float32{2, 2, 2, 2}, []float32{1, 1, 1, 1}, 0)
	assert.InDelta(t, 1-2*1.3416408, dst[0], 1e-5)
}

func TestGelu(t *testing.T) {
	assert.Equal(t, float32(0), gelu(0))
	assert.InDelta(t, 0.841192, gelu(1), 1e-5)
	assert.InDelta(t, -0.158808, gelu(-1), 1e-5)
	assert.InDelta(t, 10, gelu(10), 1e-5)
}

func TestSoftmax32(t *testing.T) {
	xs := []float32{1000, 1000}
	softmax32(xs)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, xs, 1e-6)

	ys := []float32{0, float32(math.Log(3))}
	softmax32(ys)
	assert.InDelta(t, 0.25, ys[0], 1e-6)
}

func TestHParamsEstimate(t *testing.T) {
	hp := Medium
	// gpt2-medium has roughly 355M parameters without a tied head.
	params := hp.SharedParams() - int64(hp.VocabSize*hp.Embedding) + int64(hp.Layers)*hp.ParamsPerBlock()
	assert.InDelta(t, 354.8e6, float64(params), 1e6)
	assert.Equal(t, 4*(hp.SharedParams()+48*hp.ParamsPerBlock()), hp.EstimateBytes(48))
}
