package samplechain

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/domano/samplechain/sampler"
)

var (
	// ErrClosed is returned by operations on a closed pipeline.
	ErrClosed = errors.New("samplechain: pipeline has been closed")
	// ErrNoGrammar reports grammar-chain construction without a configured
	// grammar, a call-sequencing bug rather than a runtime condition.
	ErrNoGrammar = errors.New("samplechain: no grammar configured")
	// ErrGrammarExhausted reports that the grammar invalidated every
	// candidate: no token can legally continue the sequence.
	ErrGrammarExhausted = errors.New("samplechain: grammar rejected every candidate")
)

// Model produces raw per-token scores for sequence positions.
type Model interface {
	// Scores returns one unnormalized score per vocabulary token.
	Scores(position int) ([]float32, error)
	// Vocabulary returns the token space the scores index into.
	Vocabulary() sampler.Vocabulary
}

// Pipeline owns a main sampling chain and, when a grammar is configured, a
// lazily built grammar chain, keeping both in lockstep: every accepted token
// is fanned out to each. One pipeline serves one generation stream; its
// methods are serialized internally but interleaving streams on a shared
// instance corrupts penalty and parse ordering all the same.
type Pipeline struct {
	mu      sync.Mutex
	cfg     *Config
	runtime sampler.Runtime
	vocab   sampler.Vocabulary
	pool    *sampler.Pool
	seed    uint64

	main    sampler.Chain
	grammar sampler.Chain
	closed  bool
}

// NewPipeline builds the main chain from cfg and prepares the scratch pool.
// The grammar chain, if any, is built on first use, from the seed captured
// here, so both chains always share one seed regardless of later SetSeed
// calls.
func NewPipeline(rt sampler.Runtime, vocab sampler.Vocabulary, cfg *Config) (*Pipeline, error) {
	if rt == nil {
		return nil, errors.New("samplechain: runtime must not be nil")
	}
	if vocab == nil || vocab.Size() == 0 {
		return nil, errors.New("samplechain: vocabulary must not be empty")
	}
	if cfg == nil {
		return nil, errors.New("samplechain: config must not be nil")
	}
	seed := cfg.Seed()
	return &Pipeline{
		cfg:     cfg,
		runtime: rt,
		vocab:   vocab,
		pool:    sampler.NewPool(vocab.Size()),
		seed:    seed,
		main:    buildMainChain(rt, vocab, cfg, seed),
	}, nil
}

// Sample selects one token from the raw scores, applying the configured
// transformations and, when a grammar is set, the constrained-selection
// protocol. The returned token is recorded into all owned chains.
func (p *Pipeline) Sample(logits []float32) (sampler.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, ErrClosed
	}
	if len(logits) != p.vocab.Size() {
		return -1, errors.Errorf("samplechain: got %d scores for a vocabulary of %d", len(logits), p.vocab.Size())
	}

	set := p.pool.Get()
	defer p.pool.Put(set)

	if p.cfg.grammar == nil {
		set.Fill(logits)
		tok, err := p.applyMain(set)
		if err != nil {
			return -1, err
		}
		p.acceptLocked(tok)
		return tok, nil
	}

	if p.grammar == nil {
		chain, err := buildGrammarChain(p.runtime, p.vocab, p.cfg, p.seed)
		if err != nil {
			return -1, err
		}
		p.grammar = chain
	}

	tok, err := p.sampleConstrained(logits, set)
	if err != nil {
		return -1, err
	}
	p.acceptLocked(tok)
	return tok, nil
}

// SampleAt fetches the scores for a position from the model and samples from
// them.
func (p *Pipeline) SampleAt(m Model, position int) (sampler.Token, error) {
	logits, err := m.Scores(position)
	if err != nil {
		return -1, errors.Wrapf(err, "samplechain: scores for position %d", position)
	}
	return p.Sample(logits)
}

// sampleConstrained runs the two-phase protocol. Checking the grammar for a
// handful of already sampled candidates is cheap; filtering the entire
// vocabulary is not, so the full filter only runs when optimistic
// verification fails or the mode demands it.
func (p *Pipeline) sampleConstrained(logits []float32, set *sampler.CandidateSet) (sampler.Token, error) {
	if p.cfg.mode != GrammarModeNone {
		set.Fill(logits)
		tok, err := p.applyMain(set)
		if err != nil {
			return -1, err
		}

		probe := p.pool.Get()
		defer p.pool.Put(probe)

		switch p.cfg.mode {
		case GrammarModeExtended:
			probe.FillFrom(set)
		default:
			probe.FillOne(tok, 0)
		}
		verified, ok, err := p.verify(probe)
		if err != nil {
			return -1, err
		}
		if ok {
			return verified, nil
		}
	}

	// Expensive path: the original scores, grammar-filtered across the whole
	// vocabulary before the main chain runs.
	set.Fill(logits)
	if err := p.grammar.Apply(set); err != nil {
		if errors.Is(err, sampler.ErrNoValidToken) {
			return -1, ErrGrammarExhausted
		}
		return -1, err
	}
	tok, err := p.applyMain(set)
	if errors.Is(err, sampler.ErrNoValidToken) {
		return -1, ErrGrammarExhausted
	}
	return tok, err
}

// verify applies the grammar chain to a probe set of pre-sampled candidates.
// ok reports whether a grammar-valid candidate was selected.
func (p *Pipeline) verify(probe *sampler.CandidateSet) (sampler.Token, bool, error) {
	err := p.grammar.Apply(probe)
	if errors.Is(err, sampler.ErrNoValidToken) {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, err
	}
	sel, ok := probe.Selected()
	if !ok || math.IsInf(float64(sel.Logit), -1) {
		return -1, false, nil
	}
	return sel.ID, true, nil
}

func (p *Pipeline) applyMain(set *sampler.CandidateSet) (sampler.Token, error) {
	if err := p.main.Apply(set); err != nil {
		return -1, err
	}
	sel, ok := set.Selected()
	if !ok {
		return -1, errors.New("samplechain: main chain selected no candidate")
	}
	return sel.ID, nil
}

// Accept records an externally chosen token, such as a prompt token, into
// every owned chain. Sample records its own result; calling Accept for a
// sampled token as well would double-count it.
func (p *Pipeline) Accept(t sampler.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.acceptLocked(t)
	return nil
}

func (p *Pipeline) acceptLocked(t sampler.Token) {
	p.main.Accept(t)
	if p.grammar != nil {
		p.grammar.Accept(t)
	}
}

// Reset clears penalty history, grammar parse state and the random streams in
// both chains without rebuilding them, so a reused pipeline behaves like a
// freshly constructed one.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.main.Reset()
	if p.grammar != nil {
		p.grammar.Reset()
	}
	return nil
}

// Close releases both chains. It is idempotent; the pipeline is unusable
// afterwards.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.main.Close()
	if p.grammar != nil {
		if gerr := p.grammar.Close(); err == nil {
			err = gerr
		}
	}
	p.main = nil
	p.grammar = nil
	return err
}
