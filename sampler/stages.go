package sampler

import (
	"math"
	"slices"
)

// biasStage adds per-token offsets to the raw logits before any other
// transformation sees them.
type biasStage struct {
	noState
	bias map[Token]float32
}

func (s *biasStage) apply(set *CandidateSet) error {
	for i := 0; i < set.Len(); i++ {
		c := set.At(i)
		if b, ok := s.bias[c.ID]; ok {
			c.Logit += b
		}
	}
	return nil
}

// penaltyStage discounts tokens seen in the most recent window of accepted
// tokens, combining repeat, frequency and presence penalties.
type penaltyStage struct {
	window    int
	repeat    float32
	frequency float32
	presence  float32
	excluded  map[Token]bool
	history   []Token
}

func (s *penaltyStage) apply(set *CandidateSet) error {
	if len(s.history) == 0 {
		return nil
	}
	counts := make(map[Token]int, len(s.history))
	for _, t := range s.history {
		counts[t]++
	}
	for i := 0; i < set.Len(); i++ {
		c := set.At(i)
		count := counts[c.ID]
		if count == 0 || s.excluded[c.ID] {
			continue
		}
		if s.repeat != 1 {
			// Dividing a negative logit would raise it; mirror instead so the
			// penalty always pushes the score down.
			if c.Logit > 0 {
				c.Logit /= s.repeat
			} else {
				c.Logit *= s.repeat
			}
		}
		c.Logit -= float32(count)*s.frequency + s.presence
	}
	return nil
}

func (s *penaltyStage) accept(t Token) {
	// A zero window means no repetition accounting at all.
	if s.window == 0 {
		return
	}
	s.history = append(s.history, t)
	if len(s.history) > s.window {
		copy(s.history, s.history[len(s.history)-s.window:])
		s.history = s.history[:s.window]
	}
}

func (s *penaltyStage) reset() {
	s.history = s.history[:0]
}

// topKStage keeps the k highest-scoring candidates. k <= 0 disables it.
type topKStage struct {
	noState
	k int
}

func (s *topKStage) apply(set *CandidateSet) error {
	if s.k <= 0 || set.Len() <= s.k {
		return nil
	}
	sortByLogit(set)
	set.Truncate(s.k)
	return nil
}

// typicalStage implements locally typical filtering: candidates are ranked by
// how close their information content is to the entropy of the distribution,
// and the closest prefix covering mass p survives. p >= 1 disables it.
type typicalStage struct {
	noState
	p       float32
	minKeep int
}

func (s *typicalStage) apply(set *CandidateSet) error {
	if s.p >= 1 || set.Len() <= 1 {
		return nil
	}
	softmax(set)

	var entropy float64
	for i := 0; i < set.Len(); i++ {
		if p := float64(set.At(i).Prob); p > 0 {
			entropy -= p * math.Log(p)
		}
	}

	type scored struct {
		cand Candidate
		dev  float64
	}
	ranked := make([]scored, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		c := *set.At(i)
		dev := math.Inf(1)
		if c.Prob > 0 {
			dev = math.Abs(-math.Log(float64(c.Prob)) - entropy)
		}
		ranked = append(ranked, scored{cand: c, dev: dev})
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		switch {
		case a.dev < b.dev:
			return -1
		case a.dev > b.dev:
			return 1
		}
		return 0
	})

	keep := len(ranked)
	var cum float32
	for i, r := range ranked {
		cum += r.cand.Prob
		if cum >= s.p && i+1 >= s.minKeep {
			keep = i + 1
			break
		}
	}

	for i := 0; i < keep; i++ {
		*set.At(i) = ranked[i].cand
	}
	set.Truncate(keep)
	set.sorted = false
	return nil
}

// topPStage keeps the smallest prefix of the sorted distribution whose
// cumulative probability exceeds p. p >= 1 disables it.
type topPStage struct {
	noState
	p       float32
	minKeep int
}

func (s *topPStage) apply(set *CandidateSet) error {
	if s.p >= 1 || set.Len() <= 1 {
		return nil
	}
	sortByLogit(set)
	softmax(set)

	keep := set.Len()
	var cum float32
	for i := 0; i < set.Len(); i++ {
		cum += set.At(i).Prob
		if cum > s.p && i+1 >= s.minKeep {
			keep = i + 1
			break
		}
	}
	set.Truncate(keep)
	return nil
}

// minPStage drops candidates whose probability falls below p times the top
// probability. p <= 0 disables it.
type minPStage struct {
	noState
	p       float32
	minKeep int
}

func (s *minPStage) apply(set *CandidateSet) error {
	if s.p <= 0 || set.Len() <= 1 {
		return nil
	}
	sortByLogit(set)
	softmax(set)

	floor := set.At(0).Prob * s.p
	keep := set.Len()
	for i := 0; i < set.Len(); i++ {
		if set.At(i).Prob < floor && i >= s.minKeep {
			keep = i
			break
		}
	}
	set.Truncate(keep)
	return nil
}

// temperatureStage rescales logits by 1/t.
type temperatureStage struct {
	noState
	t float32
}

func (s *temperatureStage) apply(set *CandidateSet) error {
	if s.t <= 0 || s.t == 1 {
		return nil
	}
	for i := 0; i < set.Len(); i++ {
		set.At(i).Logit /= s.t
	}
	return nil
}

// sortByLogit orders candidates by descending logit once per set.
func sortByLogit(set *CandidateSet) {
	if set.sorted {
		return
	}
	slices.SortStableFunc(set.data, func(a, b Candidate) int {
		switch {
		case a.Logit > b.Logit:
			return -1
		case a.Logit < b.Logit:
			return 1
		}
		return 0
	})
	set.sorted = true
}

// softmax fills the Prob fields from the current logits. Invalidated
// candidates (-Inf) get probability zero.
func softmax(set *CandidateSet) {
	maxLogit := negInf
	for i := 0; i < set.Len(); i++ {
		if l := set.At(i).Logit; l > maxLogit {
			maxLogit = l
		}
	}
	if math.IsInf(float64(maxLogit), -1) {
		for i := 0; i < set.Len(); i++ {
			set.At(i).Prob = 0
		}
		return
	}
	var sum float64
	for i := 0; i < set.Len(); i++ {
		c := set.At(i)
		e := math.Exp(float64(c.Logit - maxLogit))
		c.Prob = float32(e)
		sum += e
	}
	for i := 0; i < set.Len(); i++ {
		set.At(i).Prob = float32(float64(set.At(i).Prob) / sum)
	}
}
