package samplechain

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/domano/samplechain/sampler"
)

// GrammarMode selects how aggressively grammar filtering is verified against
// ordinarily sampled candidates before falling back to filtering the whole
// vocabulary.
type GrammarMode int

const (
	// GrammarModeBasic samples unconstrained, verifies the single picked
	// token against the grammar and only filters the full vocabulary when
	// that pick is rejected. This is the default.
	GrammarModeBasic GrammarMode = iota
	// GrammarModeNone always filters the full vocabulary through the grammar
	// before sampling.
	GrammarModeNone
	// GrammarModeExtended verifies every candidate surviving the main chain
	// against the grammar and redraws among the valid ones, falling back to
	// the full filter only when none survive.
	GrammarModeExtended
)

// Config holds the parameters a Pipeline's chains are built from. It is
// immutable after NewConfig except for the seed and the minimum-keep floor,
// which may be updated between pipeline constructions.
type Config struct {
	logitBias        map[sampler.Token]float32
	repeatPenalty    float32
	frequencyPenalty float32
	presencePenalty  float32
	penaltyWindow    int
	keepNewline      bool
	suppressEOS      bool
	temperature      float32
	topK             int
	typicalP         float32
	topP             float32
	minP             float32
	grammar          *Grammar
	mode             GrammarMode

	mu      sync.Mutex
	seed    uint64
	seedSet bool
	minKeep int
}

// Option mutates a Config before validation.
type Option func(*Config)

// WithLogitBias adds per-token logit offsets applied before any other
// transformation.
func WithLogitBias(bias map[sampler.Token]float32) Option {
	return func(c *Config) {
		if c.logitBias == nil {
			c.logitBias = make(map[sampler.Token]float32, len(bias))
		}
		for t, b := range bias {
			c.logitBias[t] = b
		}
	}
}

// WithRepeatPenalty sets the multiplicative penalty for recently seen tokens.
func WithRepeatPenalty(v float32) Option {
	return func(c *Config) { c.repeatPenalty = v }
}

// WithFrequencyPenalty sets the per-occurrence penalty, in [-2, 2].
func WithFrequencyPenalty(v float32) Option {
	return func(c *Config) { c.frequencyPenalty = v }
}

// WithPresencePenalty sets the flat penalty for seen tokens, in [-2, 2].
func WithPresencePenalty(v float32) Option {
	return func(c *Config) { c.presencePenalty = v }
}

// WithPenaltyWindow sets how many of the most recently accepted tokens feed
// repetition accounting.
func WithPenaltyWindow(n int) Option {
	return func(c *Config) { c.penaltyWindow = n }
}

// WithKeepNewline shields the newline token from repetition penalties.
func WithKeepNewline() Option {
	return func(c *Config) { c.keepNewline = true }
}

// WithSuppressEOS prevents the end-of-sequence token from ever being drawn.
func WithSuppressEOS() Option {
	return func(c *Config) { c.suppressEOS = true }
}

// WithTemperature sets the sampling temperature. It must be positive.
func WithTemperature(v float32) Option {
	return func(c *Config) { c.temperature = v }
}

// WithTopK configures the top-k token cut-off. Zero disables it.
func WithTopK(k int) Option {
	return func(c *Config) { c.topK = k }
}

// WithTypicalP configures locally typical filtering. One disables it.
func WithTypicalP(p float32) Option {
	return func(c *Config) { c.typicalP = p }
}

// WithTopP configures nucleus filtering. One disables it.
func WithTopP(p float32) Option {
	return func(c *Config) { c.topP = p }
}

// WithMinP configures the relative probability floor. Zero disables it.
func WithMinP(p float32) Option {
	return func(c *Config) { c.minP = p }
}

// WithMinKeep sets the lower bound on candidates surviving any filter stage.
func WithMinKeep(n int) Option {
	return func(c *Config) { c.minKeep = n }
}

// WithGrammar constrains sampling to the given grammar.
func WithGrammar(g Grammar) Option {
	return func(c *Config) { c.grammar = &g }
}

// WithGrammarMode selects the constrained-selection strategy.
func WithGrammarMode(m GrammarMode) Option {
	return func(c *Config) { c.mode = m }
}

// WithSeed enforces deterministic sampling with the specified seed.
func WithSeed(v uint64) Option {
	return func(c *Config) {
		c.seed = v
		c.seedSet = true
	}
}

// WithSeedSource draws the default seed from src instead of a time-seeded
// source. It has no effect when WithSeed is given.
func WithSeedSource(src rand.Source) Option {
	return func(c *Config) {
		if c.seedSet || src == nil {
			return
		}
		c.seed = combineSeed(src)
		c.seedSet = true
	}
}

// NewConfig builds a validated Config. An invalid combination of parameters
// cannot leave this function.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		repeatPenalty: 1,
		penaltyWindow: 64,
		temperature:   0.75,
		topK:          40,
		typicalP:      1,
		topP:          0.9,
		minP:          0.1,
		minKeep:       1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.frequencyPenalty < -2 || c.frequencyPenalty > 2 {
		return nil, errors.Errorf("samplechain: frequency penalty %v outside [-2, 2]", c.frequencyPenalty)
	}
	if c.presencePenalty < -2 || c.presencePenalty > 2 {
		return nil, errors.Errorf("samplechain: presence penalty %v outside [-2, 2]", c.presencePenalty)
	}
	if c.temperature <= 0 {
		return nil, errors.Errorf("samplechain: temperature %v must be positive", c.temperature)
	}
	if c.minKeep < 1 {
		return nil, errors.Errorf("samplechain: min keep %d must be at least 1", c.minKeep)
	}
	if c.penaltyWindow < 0 {
		return nil, errors.Errorf("samplechain: penalty window %d must not be negative", c.penaltyWindow)
	}
	if !c.seedSet {
		c.seed = combineSeed(rand.NewSource(uint64(time.Now().UnixNano())))
		c.seedSet = true
	}
	return c, nil
}

// Seed returns the configured sampling seed.
func (c *Config) Seed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seed
}

// SetSeed replaces the sampling seed. It takes effect when a chain is next
// built from this configuration, not on chains already running.
func (c *Config) SetSeed(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = v
}

// MinKeep returns the configured minimum-keep floor.
func (c *Config) MinKeep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minKeep
}

// SetMinKeep replaces the minimum-keep floor. Like SetSeed it only affects
// chains built afterwards. Values below one are ignored.
func (c *Config) SetMinKeep(n int) {
	if n < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minKeep = n
}

// combineSeed widens the effective seed space by joining two independent
// draws from the source.
func combineSeed(src rand.Source) uint64 {
	hi := uint64(uint32(src.Uint64()))
	lo := uint64(uint32(src.Uint64()))
	return hi<<32 | lo
}
