// Package sample picks the next token from a vector of logits.
package sample

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Sampler chooses a token id from logits.
type Sampler interface {
	Sample(logits []float32) (int, error)
}

// New returns a greedy sampler for temperature 0 and a weighted sampler
// otherwise. A seed of -1 draws from the global source.
func New(temperature float64, seed int64) (Sampler, error) {
	switch {
	case math.IsNaN(temperature) || temperature < 0:
		return nil, errors.New("sample: temperature must be >= 0")
	case temperature == 0:
		return Greedy(), nil
	}
	var src rand.Source
	if seed != -1 {
		src = rand.NewPCG(uint64(seed), uint64(seed)^0x9E3779B9)
	}
	return &weighted{temperature: temperature, src: src}, nil
}

type greedy struct{}

// Greedy always picks the highest logit.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits")
	}
	return floats.MaxIdx(widen(logits)), nil
}

type weighted struct {
	temperature float64
	src         rand.Source
}

func (s *weighted) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits")
	}
	probs := Softmax(widen(logits), s.temperature)
	if math.IsNaN(floats.Sum(probs)) {
		return -1, errors.New("sample: logits sum to NaN")
	}
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return idx, nil
	}
	return -1, errors.New("sample: no token could be drawn")
}

// Softmax scales logits by 1/temperature and normalizes them in place.
func Softmax(logits []float64, temperature float64) []float64 {
	maxLogit := floats.Max(logits)
	for i, v := range logits {
		logits[i] = math.Exp((v - maxLogit) / temperature)
	}
	floats.Scale(1/floats.Sum(logits), logits)
	return logits
}

func widen(logits []float32) []float64 {
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}
	return out
}
