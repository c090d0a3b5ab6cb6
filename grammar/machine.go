package grammar

import "github.com/pkg/errors"

// node is one live parse position: an alternative, an element index within
// it, and the continuation to resume once the alternative completes. Nodes
// form a persistent stack, so branching states share their tails.
type node struct {
	alt    alternative
	idx    int
	parent *node
}

// Machine matches input incrementally against a compiled Grammar. It mirrors
// a streaming pushdown automaton: Allows probes a candidate piece without
// committing, Accept consumes it, AtEnd reports whether the input so far
// forms a complete derivation.
type Machine struct {
	grammar *Grammar
	states  []*node
}

// NewMachine returns a Machine positioned at the start of the grammar's root
// rule.
func NewMachine(g *Grammar) *Machine {
	m := &Machine{grammar: g}
	m.Reset()
	return m
}

// Reset rewinds the machine to the start of the root rule.
func (m *Machine) Reset() {
	m.states = m.states[:0]
	for _, alt := range m.grammar.rules[m.grammar.root] {
		m.states = append(m.states, &node{alt: alt})
	}
}

// Allows reports whether piece is a valid continuation of the input consumed
// so far. The machine state is left untouched.
func (m *Machine) Allows(piece string) bool {
	if piece == "" {
		return len(m.states) > 0
	}
	_, ok := m.consume(piece)
	return ok
}

// Accept consumes piece, advancing the parse state. It fails if the piece is
// not a valid continuation.
func (m *Machine) Accept(piece string) error {
	if piece == "" {
		return nil
	}
	states, ok := m.consume(piece)
	if !ok {
		return errors.Errorf("grammar: piece %q is not a valid continuation", piece)
	}
	m.states = states
	return nil
}

// AtEnd reports whether the input consumed so far is a complete derivation of
// the root rule.
func (m *Machine) AtEnd() bool {
	cl := closure{rules: m.grammar.rules}
	for _, st := range m.states {
		cl.expand(st)
	}
	return cl.complete
}

// consume runs piece through the automaton and returns the surviving states.
// ok is false when some rune of the piece had no valid transition.
func (m *Machine) consume(piece string) ([]*node, bool) {
	states := m.states
	for _, r := range piece {
		cl := closure{rules: m.grammar.rules}
		for _, st := range states {
			cl.expand(st)
		}
		var next []*node
		for _, st := range cl.points {
			if st.alt.elems[st.idx].matches(r) {
				next = append(next, &node{alt: st.alt, idx: st.idx + 1, parent: st.parent})
			}
		}
		if len(next) == 0 {
			return nil, false
		}
		states = next
	}
	return states, true
}

// closure collects, from a set of raw states, every position whose current
// element is a character class (a consumable point) and whether any path pops
// the whole stack (a complete derivation). Rule references are expanded on
// the fly. Termination is guaranteed by the left-recursion check at parse
// time; the seen set only prunes duplicate positions.
type closure struct {
	rules    map[string][]alternative
	points   []*node
	complete bool
	seen     map[position]bool
}

type position struct {
	id     int
	idx    int
	parent *node
}

func (c *closure) expand(n *node) {
	if n == nil {
		c.complete = true
		return
	}
	if n.idx >= len(n.alt.elems) {
		c.expand(n.parent)
		return
	}
	key := position{n.alt.id, n.idx, n.parent}
	if c.seen == nil {
		c.seen = make(map[position]bool)
	}
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	e := n.alt.elems[n.idx]
	if e.kind == elemRef {
		cont := &node{alt: n.alt, idx: n.idx + 1, parent: n.parent}
		// The rule set is validated at parse time, so the lookup cannot miss.
		for _, alt := range c.rules[e.ref] {
			c.expand(&node{alt: alt, parent: cont})
		}
		return
	}
	c.points = append(c.points, n)
}
