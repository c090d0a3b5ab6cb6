package samplechain

import (
	"github.com/pkg/errors"

	"github.com/domano/samplechain/grammar"
)

// Grammar references a grammar source and the production sampling starts
// from. The source is validated once here; the chains compile their own
// machines from it.
type Grammar struct {
	source string
	root   string
}

// NewGrammar wraps and validates a grammar definition.
func NewGrammar(source, root string) (Grammar, error) {
	if source == "" {
		return Grammar{}, errors.New("samplechain: grammar source must not be empty")
	}
	if root == "" {
		return Grammar{}, errors.New("samplechain: grammar root rule must not be empty")
	}
	if _, err := grammar.Parse(source, root); err != nil {
		return Grammar{}, err
	}
	return Grammar{source: source, root: root}, nil
}

// Source returns the grammar definition text.
func (g Grammar) Source() string { return g.source }

// Root returns the name of the start production.
func (g Grammar) Root() string { return g.root }

func (g Grammar) String() string {
	if g.source == "" {
		return ""
	}
	return "grammar(" + g.root + ")"
}
