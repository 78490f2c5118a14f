package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedy(t *testing.T) {
	s, err := New(0, -1)
	require.NoError(t, err)

	id, err := s.Sample([]float32{0.1, 3, -2, 2.9})
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = s.Sample(nil)
	assert.Error(t, err)
}

func TestNegativeTemperature(t *testing.T) {
	_, err := New(-0.1, -1)
	assert.Error(t, err)
	_, err = New(math.NaN(), -1)
	assert.Error(t, err)
}

func TestWeightedSeeded(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 5}

	draw := func() []int {
		s, err := New(0.7, 42)
		require.NoError(t, err)
		var ids []int
		for range 20 {
			id, err := s.Sample(logits)
			require.NoError(t, err)
			require.GreaterOrEqual(t, id, 0)
			require.Less(t, id, len(logits))
			ids = append(ids, id)
		}
		return ids
	}
	assert.Equal(t, draw(), draw())
}

func TestWeightedDominantLogit(t *testing.T) {
	s, err := New(0.5, 7)
	require.NoError(t, err)
	for range 50 {
		id, err := s.Sample([]float32{-100, 50, -100})
		require.NoError(t, err)
		assert.Equal(t, 1, id)
	}
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{1, 1, 1, 1}, 1)
	assert.InDeltaSlice(t, []float64{0.25, 0.25, 0.25, 0.25}, p, 1e-12)

	sharp := Softmax([]float64{0, 1}, 0.1)
	assert.Greater(t, sharp[1], 0.99)
}
