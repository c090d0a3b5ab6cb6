package samplechain

import (
	"math"

	"github.com/domano/samplechain/sampler"
)

// buildMainChain assembles the unconstrained sampling chain. The stage order
// is load-bearing: bias feeds penalties, penalties feed the filters, the
// filters feed temperature, and the draw stage consumes the result.
// Construction cannot fail on a validated Config.
func buildMainChain(rt sampler.Runtime, vocab sampler.Vocabulary, cfg *Config, seed uint64) sampler.Chain {
	chain := rt.NewChain()

	bias := make(map[sampler.Token]float32, len(cfg.logitBias)+1)
	for t, b := range cfg.logitBias {
		bias[t] = b
	}
	if cfg.suppressEOS {
		bias[vocab.EOS()] = float32(math.Inf(-1))
	}
	if len(bias) > 0 {
		chain.AppendLogitBias(vocab.Size(), bias)
	}

	var exclude []sampler.Token
	if cfg.keepNewline {
		if nl, ok := sampler.FindPiece(vocab, "\n"); ok {
			exclude = append(exclude, nl)
		}
	}
	chain.AppendPenalties(cfg.penaltyWindow, cfg.repeatPenalty, cfg.frequencyPenalty, cfg.presencePenalty, exclude...)

	minKeep := cfg.MinKeep()
	topK := cfg.topK
	if topK > 0 && topK < minKeep {
		topK = minKeep
	}
	chain.AppendTopK(topK)
	chain.AppendTypical(cfg.typicalP, minKeep)
	chain.AppendTopP(cfg.topP, minKeep)
	chain.AppendMinP(cfg.minP, minKeep)
	chain.AppendTemperature(cfg.temperature)
	chain.AppendDist(seed)
	return chain
}

// buildGrammarChain assembles the grammar chain: acceptance filtering plus a
// draw stage seeded with the same seed as the main chain. Calling it without
// a configured grammar is a sequencing bug in the owning pipeline.
func buildGrammarChain(rt sampler.Runtime, vocab sampler.Vocabulary, cfg *Config, seed uint64) (sampler.Chain, error) {
	if cfg.grammar == nil {
		return nil, ErrNoGrammar
	}
	chain := rt.NewChain()
	if err := chain.AppendGrammar(vocab, cfg.grammar.source, cfg.grammar.root); err != nil {
		chain.Close()
		return nil, err
	}
	chain.AppendDist(seed)
	return chain, nil
}
