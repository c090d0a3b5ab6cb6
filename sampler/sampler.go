// Package sampler defines the sampler chain runtime: an ordered, stateful
// pipeline of distribution transformations applied to a candidate set to
// select one token. The package ships a pure Go implementation (Local);
// alternative backends implement the same Runtime interface.
package sampler

import (
	"math"

	"github.com/pkg/errors"
)

// Token identifies a vocabulary entry.
type Token int32

// Candidate pairs a token with its working score. Prob is derived by stages
// that normalize the distribution and is otherwise unset.
type Candidate struct {
	ID    Token
	Logit float32
	Prob  float32
}

// ErrNoValidToken is returned by Chain.Apply when every candidate has been
// invalidated and no token can be drawn.
var ErrNoValidToken = errors.New("sampler: no valid token in candidate set")

// negInf invalidates a candidate.
var negInf = float32(math.Inf(-1))

// Vocabulary exposes the token space a chain operates on.
type Vocabulary interface {
	// Size returns the number of tokens in the vocabulary.
	Size() int
	// Piece returns the text fragment a token decodes to.
	Piece(t Token) string
	// EOS returns the end-of-sequence token.
	EOS() Token
}

// Chain is an ordered, mutable pipeline of transformations. Append calls add
// stages; Apply runs all stages over a candidate set, the final draw stage
// marking the selected index. Accept updates stage-internal state (penalty
// history, grammar parse position) and Reset clears it without removing the
// stages themselves.
type Chain interface {
	AppendLogitBias(vocabSize int, bias map[Token]float32)
	AppendPenalties(window int, repeat, frequency, presence float32, exclude ...Token)
	AppendTopK(k int)
	AppendTypical(p float32, minKeep int)
	AppendTopP(p float32, minKeep int)
	AppendMinP(p float32, minKeep int)
	AppendTemperature(t float32)
	AppendGrammar(vocab Vocabulary, source, root string) error
	AppendDist(seed uint64)

	Apply(set *CandidateSet) error
	Accept(t Token)
	Reset()
	Close() error
}

// Runtime creates chains.
type Runtime interface {
	NewChain() Chain
}

// Vocab is a slice-backed Vocabulary for in-process models and tests.
type Vocab struct {
	pieces []string
	eos    Token
}

// NewVocab builds a Vocabulary from token pieces and an EOS token id.
func NewVocab(pieces []string, eos Token) *Vocab {
	return &Vocab{pieces: pieces, eos: eos}
}

func (v *Vocab) Size() int { return len(v.pieces) }

func (v *Vocab) Piece(t Token) string {
	if t < 0 || int(t) >= len(v.pieces) {
		return ""
	}
	return v.pieces[t]
}

func (v *Vocab) EOS() Token { return v.eos }

// FindPiece returns the first token whose piece equals s.
func FindPiece(v Vocabulary, s string) (Token, bool) {
	for i := 0; i < v.Size(); i++ {
		if v.Piece(Token(i)) == s {
			return Token(i), true
		}
	}
	return -1, false
}
