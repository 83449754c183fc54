package generation

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrInvalidLogits = errors.New("logits do not form a distribution")

// Sampler draws token ids from the softmax of a logits vector. Two samplers
// created with the same seed produce the same ids for the same logits.
type Sampler struct {
	src     rand.Source
	weights []float64
}

func NewSampler(seed uint64) *Sampler {
	return &Sampler{src: rand.NewSource(seed)}
}

func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrInvalidLogits
	}

	if cap(s.weights) < len(logits) {
		s.weights = make([]float64, len(logits))
	}
	weights := s.weights[:len(logits)]
	for i, l := range logits {
		weights[i] = float64(l)
	}

	if floats.HasNaN(weights) {
		return 0, ErrInvalidLogits
	}
	maxLogit := floats.Max(weights)
	if math.IsInf(maxLogit, 0) {
		return 0, ErrInvalidLogits
	}

	// Unnormalized softmax; the categorical normalizes by the total.
	floats.AddConst(-maxLogit, weights)
	for i, w := range weights {
		weights[i] = math.Exp(w)
	}

	dist := distuv.NewCategorical(weights, s.src)
	return int(dist.Rand()), nil
}
