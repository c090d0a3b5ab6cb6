package sampler

import "github.com/domano/samplechain/grammar"

// grammarStage invalidates every candidate the grammar machine rejects as a
// continuation of the accepted sequence. EOS is valid only once the input
// forms a complete derivation. Accept advances the parse state, so the
// filtering is cumulative across sampling steps.
type grammarStage struct {
	machine *grammar.Machine
	vocab   Vocabulary
}

func (s *grammarStage) apply(set *CandidateSet) error {
	atEnd := s.machine.AtEnd()
	for i := 0; i < set.Len(); i++ {
		c := set.At(i)
		if c.ID == s.vocab.EOS() {
			if !atEnd {
				c.Logit = negInf
			}
			continue
		}
		// Padding and control tokens decode to nothing and can never form
		// part of a derivation.
		piece := s.vocab.Piece(c.ID)
		if piece == "" || !s.machine.Allows(piece) {
			c.Logit = negInf
		}
	}
	return nil
}

func (s *grammarStage) accept(t Token) {
	if t == s.vocab.EOS() {
		return
	}
	// A token that slipped past the filter (or was forced by the caller) may
	// not match; the machine simply stays put in that case.
	_ = s.machine.Accept(s.vocab.Piece(t))
}

func (s *grammarStage) reset() {
	s.machine.Reset()
}
