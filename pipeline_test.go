package samplechain

import (
	"errors"
	"testing"

	"github.com/domano/samplechain/sampler"
)

// answerVocab is the small token space most tests sample from.
func answerVocab() sampler.Vocabulary {
	return sampler.NewVocab([]string{"yes", "no", "maybe", "</s>"}, 3)
}

func newTestPipeline(t *testing.T, vocab sampler.Vocabulary, opts ...Option) *Pipeline {
	t.Helper()
	cfg, err := NewConfig(opts...)
	if err != nil {
		t.Fatalf("NewConfig error: %v", err)
	}
	p, err := NewPipeline(sampler.Local{}, vocab, cfg)
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close error: %v", err)
		}
	})
	return p
}

func mustSample(t *testing.T, p *Pipeline, logits []float32) sampler.Token {
	t.Helper()
	tok, err := p.Sample(logits)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	return tok
}

func TestNewPipelineValidatesInputs(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig error: %v", err)
	}
	if _, err := NewPipeline(nil, answerVocab(), cfg); err == nil {
		t.Fatal("expected nil runtime to fail")
	}
	if _, err := NewPipeline(sampler.Local{}, nil, cfg); err == nil {
		t.Fatal("expected nil vocabulary to fail")
	}
	if _, err := NewPipeline(sampler.Local{}, answerVocab(), nil); err == nil {
		t.Fatal("expected nil config to fail")
	}
}

func TestSampleRejectsMismatchedScores(t *testing.T) {
	p := newTestPipeline(t, answerVocab(), WithSeed(1))
	if _, err := p.Sample([]float32{1, 2}); err == nil {
		t.Fatal("expected mismatched score count to fail")
	}
}

func TestSampleDeterministic(t *testing.T) {
	logits := []float32{1, 2, 3, 0.5}
	first := mustSample(t, newTestPipeline(t, answerVocab(), WithSeed(1234)), logits)
	for i := 0; i < 5; i++ {
		got := mustSample(t, newTestPipeline(t, answerVocab(), WithSeed(1234)), logits)
		if got != first {
			t.Fatalf("run %d produced %d, want %d", i, got, first)
		}
	}
}

func TestSampleBiasDominates(t *testing.T) {
	p := newTestPipeline(t, answerVocab(),
		WithSeed(5),
		WithTemperature(0.2),
		WithLogitBias(map[sampler.Token]float32{2: 100}),
	)
	if got := mustSample(t, p, []float32{1, 1, 1, 1}); got != 2 {
		t.Fatalf("expected biased token 2, got %d", got)
	}
}

func TestSampleSuppressEOS(t *testing.T) {
	for seed := uint64(0); seed < 8; seed++ {
		p := newTestPipeline(t, answerVocab(), WithSeed(seed), WithSuppressEOS())
		if got := mustSample(t, p, []float32{0, 0, 0, 10}); got == 3 {
			t.Fatalf("seed %d sampled the suppressed EOS token", seed)
		}
	}
}

func TestSampleAcceptancePropagates(t *testing.T) {
	// Top-k of one makes the draw an argmax over the penalized scores, so
	// the effect of accepting a token is directly observable.
	p := newTestPipeline(t, answerVocab(),
		WithSeed(9),
		WithTopK(1),
		WithRepeatPenalty(1e6),
		WithPenaltyWindow(8),
	)
	logits := []float32{5, 4.9, -10, -10}
	if got := mustSample(t, p, logits); got != 0 {
		t.Fatalf("first sample got %d, want 0", got)
	}
	// Sample recorded token 0 itself; its score is now crushed.
	if got := mustSample(t, p, logits); got != 1 {
		t.Fatalf("second sample got %d, want 1", got)
	}
}

func TestAcceptRecordsExternalTokens(t *testing.T) {
	p := newTestPipeline(t, answerVocab(),
		WithSeed(9),
		WithTopK(1),
		WithRepeatPenalty(1e6),
		WithPenaltyWindow(8),
	)
	if err := p.Accept(0); err != nil {
		t.Fatalf("Accept error: %v", err)
	}
	if got := mustSample(t, p, []float32{5, 4.9, -10, -10}); got != 1 {
		t.Fatalf("got %d, want the unpenalized runner-up 1", got)
	}
}

func TestKeepNewlineShieldsPenalties(t *testing.T) {
	vocab := sampler.NewVocab([]string{"a", "\n", "</s>"}, 2)
	logits := []float32{1, 5, -10}

	sampleAfterNewlines := func(opts ...Option) sampler.Token {
		opts = append([]Option{
			WithSeed(3),
			WithTopK(1),
			WithRepeatPenalty(1e6),
			WithPenaltyWindow(8),
		}, opts...)
		p := newTestPipeline(t, vocab, opts...)
		if err := p.Accept(1); err != nil {
			t.Fatalf("Accept error: %v", err)
		}
		return mustSample(t, p, logits)
	}

	if got := sampleAfterNewlines(); got != 0 {
		t.Fatalf("penalized newline still sampled, got %d", got)
	}
	if got := sampleAfterNewlines(WithKeepNewline()); got != 1 {
		t.Fatalf("shielded newline lost its top spot, got %d", got)
	}
}

func TestResetReproducesFreshPipeline(t *testing.T) {
	logits := []float32{1, 1.5, 2, 0.5}
	opts := []Option{WithSeed(77), WithRepeatPenalty(1.3)}

	fresh := newTestPipeline(t, answerVocab(), opts...)
	var want []sampler.Token
	for i := 0; i < 6; i++ {
		want = append(want, mustSample(t, fresh, logits))
	}

	p := newTestPipeline(t, answerVocab(), opts...)
	for i := 0; i < 6; i++ {
		mustSample(t, p, logits)
	}
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	for i := 0; i < 6; i++ {
		if got := mustSample(t, p, logits); got != want[i] {
			t.Fatalf("draw %d after reset got %d, want %d", i, got, want[i])
		}
	}
}

func TestCloseIdempotentAndIsolated(t *testing.T) {
	cfg, err := NewConfig(WithSeed(1))
	if err != nil {
		t.Fatalf("NewConfig error: %v", err)
	}
	p, err := NewPipeline(sampler.Local{}, answerVocab(), cfg)
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	other := newTestPipeline(t, answerVocab(), WithSeed(1))

	if err := p.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if _, err := p.Sample([]float32{1, 2, 3, 4}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := p.Accept(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Accept, got %v", err)
	}
	if err := p.Reset(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Reset, got %v", err)
	}

	// A closed pipeline must not disturb an unrelated one.
	mustSample(t, other, []float32{1, 2, 3, 4})
}

func yesNoGrammar(t *testing.T) Grammar {
	t.Helper()
	g, err := NewGrammar(`root ::= "yes" | "no"`, "root")
	if err != nil {
		t.Fatalf("NewGrammar error: %v", err)
	}
	return g
}

func TestGrammarFastPathEquivalence(t *testing.T) {
	// Top-k of one pins the unconstrained pick, which the grammar accepts.
	logits := []float32{10, 1, -5, -5}
	opts := []Option{WithSeed(11), WithTopK(1)}

	unconstrained := mustSample(t, newTestPipeline(t, answerVocab(), opts...), logits)
	constrained := mustSample(t, newTestPipeline(t, answerVocab(),
		append(opts, WithGrammar(yesNoGrammar(t)))...), logits)

	if unconstrained != constrained {
		t.Fatalf("fast path diverged: unconstrained %d, constrained %d", unconstrained, constrained)
	}
	if constrained != 0 {
		t.Fatalf("expected token 0, got %d", constrained)
	}
}

func TestGrammarFallbackRejectsTopPick(t *testing.T) {
	// "maybe" dominates the raw scores but the grammar rejects it; the
	// expensive path must pick the best grammar-valid token instead.
	logits := []float32{2, 1, 10, -5}
	p := newTestPipeline(t, answerVocab(),
		WithSeed(11), WithTopK(1), WithGrammar(yesNoGrammar(t)))

	got := mustSample(t, p, logits)
	if got != 0 {
		t.Fatalf("expected grammar-valid token 0, got %d", got)
	}
}

func TestGrammarExhaustion(t *testing.T) {
	g, err := NewGrammar(`root ::= "impossible"`, "root")
	if err != nil {
		t.Fatalf("NewGrammar error: %v", err)
	}
	p := newTestPipeline(t, answerVocab(), WithSeed(2), WithGrammar(g))

	_, err = p.Sample([]float32{1, 2, 3, 4})
	if !errors.Is(err, ErrGrammarExhausted) {
		t.Fatalf("expected ErrGrammarExhausted, got %v", err)
	}
	// The pipeline stays usable for the caller to decide what to do next.
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset after exhaustion failed: %v", err)
	}
}

func TestGrammarModeNone(t *testing.T) {
	logits := []float32{2, 1, 10, -5}
	p := newTestPipeline(t, answerVocab(),
		WithSeed(4), WithTopK(1),
		WithGrammar(yesNoGrammar(t)),
		WithGrammarMode(GrammarModeNone),
	)
	if got := mustSample(t, p, logits); got != 0 {
		t.Fatalf("expected token 0 from the full grammar path, got %d", got)
	}
}

func TestGrammarModeExtended(t *testing.T) {
	// The survivors of the main chain are "maybe" and "yes"; only "yes" is
	// grammar-valid, so the redraw must land on it without a full fallback.
	logits := []float32{5, -10, 10, -10}
	p := newTestPipeline(t, answerVocab(),
		WithSeed(6), WithTopK(2),
		WithGrammar(yesNoGrammar(t)),
		WithGrammarMode(GrammarModeExtended),
	)
	if got := mustSample(t, p, logits); got != 0 {
		t.Fatalf("expected token 0, got %d", got)
	}
}

func TestSetSeedAfterConstructionKeepsChainsAligned(t *testing.T) {
	// Extended mode redraws among grammar-valid survivors on the grammar
	// chain's own stream, so a diverging grammar seed would change the
	// sequence.
	g, err := NewGrammar(`root ::= ("yes" | "no")*`, "root")
	if err != nil {
		t.Fatalf("NewGrammar error: %v", err)
	}
	logits := []float32{3, 2.9, 3.1, -10}
	opts := []Option{
		WithSeed(21), WithTopK(3),
		WithGrammar(g), WithGrammarMode(GrammarModeExtended),
	}

	reference := newTestPipeline(t, answerVocab(), opts...)
	var want []sampler.Token
	for i := 0; i < 6; i++ {
		want = append(want, mustSample(t, reference, logits))
	}

	// Reseeding between construction and the first constrained sample must
	// not split the grammar chain off onto a different stream.
	cfg, err := NewConfig(opts...)
	if err != nil {
		t.Fatalf("NewConfig error: %v", err)
	}
	p, err := NewPipeline(sampler.Local{}, answerVocab(), cfg)
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	cfg.SetSeed(9999)

	for i := 0; i < 6; i++ {
		if got := mustSample(t, p, logits); got != want[i] {
			t.Fatalf("draw %d after reseed got %d, want %d", i, got, want[i])
		}
	}
}

func TestGrammarStateAdvancesAcrossSamples(t *testing.T) {
	g, err := NewGrammar(`root ::= "yes" "no"`, "root")
	if err != nil {
		t.Fatalf("NewGrammar error: %v", err)
	}
	p := newTestPipeline(t, answerVocab(), WithSeed(8), WithTopK(1), WithGrammar(g))

	logits := []float32{10, 5, 1, 1}
	if got := mustSample(t, p, logits); got != 0 {
		t.Fatalf("first token got %d, want 0", got)
	}
	// After "yes" only "no" continues the derivation, whatever the scores say.
	if got := mustSample(t, p, logits); got != 1 {
		t.Fatalf("second token got %d, want 1", got)
	}
	// The derivation is complete; only EOS remains valid.
	if got := mustSample(t, p, logits); got != 3 {
		t.Fatalf("third token got %d, want EOS 3", got)
	}
}

type stubModel struct {
	vocab  sampler.Vocabulary
	scores map[int][]float32
}

func (m *stubModel) Scores(position int) ([]float32, error) {
	s, ok := m.scores[position]
	if !ok {
		return nil, errors.New("no scores for position")
	}
	return s, nil
}

func (m *stubModel) Vocabulary() sampler.Vocabulary { return m.vocab }

func TestSampleAt(t *testing.T) {
	model := &stubModel{
		vocab:  answerVocab(),
		scores: map[int][]float32{4: {10, 0, 0, 0}},
	}
	p := newTestPipeline(t, model.Vocabulary(), WithSeed(3), WithTopK(1))

	tok, err := p.SampleAt(model, 4)
	if err != nil {
		t.Fatalf("SampleAt error: %v", err)
	}
	if tok != 0 {
		t.Fatalf("unexpected token %d", tok)
	}
	if _, err := p.SampleAt(model, 5); err == nil {
		t.Fatal("expected missing position to fail")
	}
}
