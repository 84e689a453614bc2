package bandit

import (
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler draws from a Beta distribution. Tests inject deterministic ones.
type Sampler interface {
	Beta(alpha, beta float64) float64
}

// RandSampler draws Beta variates from a seeded PCG source.
type RandSampler struct {
	mu  sync.Mutex
	src rand.Source
}

// NewRandSampler seeds a PCG source. The same seed gives the same draws.
func NewRandSampler(seed uint64) *RandSampler {
	return &RandSampler{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

func (s *RandSampler) Beta(alpha, beta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return distuv.Beta{Alpha: alpha, Beta: beta, Src: s.src}.Rand()
}

// MeanSampler returns the distribution mean. Selection becomes greedy.
type MeanSampler struct{}

func (MeanSampler) Beta(alpha, beta float64) float64 {
	return alpha / (alpha + beta)
}
