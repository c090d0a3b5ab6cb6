package sampler

import (
	"github.com/pkg/errors"

	"github.com/domano/samplechain/grammar"
)

// Local is the in-process sampler chain runtime. Chains built from it run the
// transformations in pure Go.
type Local struct{}

// NewChain returns an empty chain; stages run in append order.
func (Local) NewChain() Chain { return &localChain{} }

// stage is one transformation of a local chain. Stateless stages embed
// noState.
type stage interface {
	apply(set *CandidateSet) error
	accept(t Token)
	reset()
}

type noState struct{}

func (noState) accept(Token) {}
func (noState) reset()       {}

type localChain struct {
	stages []stage
	closed bool
}

func (c *localChain) AppendLogitBias(vocabSize int, bias map[Token]float32) {
	scoped := make(map[Token]float32, len(bias))
	for t, b := range bias {
		if t >= 0 && int(t) < vocabSize {
			scoped[t] = b
		}
	}
	c.stages = append(c.stages, &biasStage{bias: scoped})
}

func (c *localChain) AppendPenalties(window int, repeat, frequency, presence float32, exclude ...Token) {
	excluded := make(map[Token]bool, len(exclude))
	for _, t := range exclude {
		excluded[t] = true
	}
	c.stages = append(c.stages, &penaltyStage{
		window:    window,
		repeat:    repeat,
		frequency: frequency,
		presence:  presence,
		excluded:  excluded,
	})
}

func (c *localChain) AppendTopK(k int) {
	c.stages = append(c.stages, &topKStage{k: k})
}

func (c *localChain) AppendTypical(p float32, minKeep int) {
	c.stages = append(c.stages, &typicalStage{p: p, minKeep: minKeep})
}

func (c *localChain) AppendTopP(p float32, minKeep int) {
	c.stages = append(c.stages, &topPStage{p: p, minKeep: minKeep})
}

func (c *localChain) AppendMinP(p float32, minKeep int) {
	c.stages = append(c.stages, &minPStage{p: p, minKeep: minKeep})
}

func (c *localChain) AppendTemperature(t float32) {
	c.stages = append(c.stages, &temperatureStage{t: t})
}

func (c *localChain) AppendGrammar(vocab Vocabulary, source, root string) error {
	g, err := grammar.Parse(source, root)
	if err != nil {
		return err
	}
	c.stages = append(c.stages, &grammarStage{
		machine: grammar.NewMachine(g),
		vocab:   vocab,
	})
	return nil
}

func (c *localChain) AppendDist(seed uint64) {
	c.stages = append(c.stages, newDistStage(seed))
}

func (c *localChain) Apply(set *CandidateSet) error {
	if c.closed {
		return errors.New("sampler: chain is closed")
	}
	for _, s := range c.stages {
		if err := s.apply(set); err != nil {
			return err
		}
	}
	return nil
}

func (c *localChain) Accept(t Token) {
	for _, s := range c.stages {
		s.accept(t)
	}
}

func (c *localChain) Reset() {
	for _, s := range c.stages {
		s.reset()
	}
}

func (c *localChain) Close() error {
	c.stages = nil
	c.closed = true
	return nil
}
