package sampler

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// distStage draws one candidate, weighted by the softmax of the surviving
// logits, and marks it as selected. Reset rewinds the random stream to its
// seed so a reset chain reproduces a fresh one.
type distStage struct {
	seed uint64
	src  rand.Source
}

func newDistStage(seed uint64) *distStage {
	return &distStage{seed: seed, src: rand.NewSource(seed)}
}

func (s *distStage) apply(set *CandidateSet) error {
	if set.Len() == 0 {
		return errors.Wrap(ErrNoValidToken, "empty candidate set")
	}
	softmax(set)

	weights := make([]float64, 0, set.Len())
	indices := make([]int, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		c := set.At(i)
		if math.IsInf(float64(c.Logit), -1) {
			continue
		}
		weights = append(weights, float64(c.Prob))
		indices = append(indices, i)
	}
	if len(weights) == 0 {
		return ErrNoValidToken
	}

	w := sampleuv.NewWeighted(weights, s.src)
	idx, ok := w.Take()
	if !ok {
		return errors.Wrap(ErrNoValidToken, "weighted draw produced no index")
	}
	set.Select(indices[idx])
	return nil
}

func (s *distStage) accept(Token) {}

func (s *distStage) reset() {
	s.src.Seed(s.seed)
}
