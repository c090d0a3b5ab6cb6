// Package grammar implements a small GBNF-style grammar engine for
// constrained decoding. A grammar is parsed once into rule alternatives and
// then matched incrementally, token piece by token piece, through a Machine.
//
// Supported syntax: rule definitions `name ::= production`, alternation with
// `|`, double-quoted literals with \" \\ \n \r \t escapes, character classes
// `[a-z0-9]` (ranges, negation with ^), grouping with parentheses, the
// repetition suffixes `?`, `*` and `+`, rule references, and `#` comments.
// Left-recursive rules are rejected at parse time.
package grammar

import (
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type elemKind int

const (
	elemChars elemKind = iota
	elemRef
)

type charRange struct {
	lo, hi rune
}

type element struct {
	kind    elemKind
	ranges  []charRange
	negated bool
	ref     string
}

// alternative is one branch of a rule: a sequence of elements. The id is
// unique across the grammar and keys cycle detection in the matcher.
type alternative struct {
	id    int
	elems []element
}

// Grammar holds a compiled rule set rooted at a named production.
type Grammar struct {
	rules map[string][]alternative
	root  string
}

// Root returns the name of the root production.
func (g *Grammar) Root() string {
	return g.root
}

// Parse compiles source into a Grammar rooted at the named rule. Repetition
// suffixes and groups are rewritten into synthetic rules so the matcher only
// ever sees character classes and rule references.
func Parse(source, root string) (*Grammar, error) {
	if source == "" {
		return nil, errors.New("grammar: source must not be empty")
	}
	if root == "" {
		return nil, errors.New("grammar: root rule must not be empty")
	}
	p := &parser{src: []rune(source), rules: make(map[string][]alternative)}
	if err := p.parseRules(); err != nil {
		return nil, err
	}
	if _, ok := p.rules[root]; !ok {
		return nil, errors.Errorf("grammar: root rule %q is not defined", root)
	}
	for name, alts := range p.rules {
		for _, alt := range alts {
			for _, e := range alt.elems {
				if e.kind == elemRef {
					if _, ok := p.rules[e.ref]; !ok {
						return nil, errors.Errorf("grammar: rule %q references undefined rule %q", name, e.ref)
					}
				}
			}
		}
	}
	if name, ok := leftRecursive(p.rules); ok {
		return nil, errors.Errorf("grammar: rule %q is left recursive", name)
	}
	return &Grammar{rules: p.rules, root: root}, nil
}

// leftRecursive reports whether any rule can reach itself again without
// consuming input. Leading references are followed through nullable prefixes,
// so indirect cycles such as a ::= b ..., b ::= a ... are caught too. The
// matcher relies on this property to terminate.
func leftRecursive(rules map[string][]alternative) (string, bool) {
	nullable := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for name, alts := range rules {
			if nullable[name] {
				continue
			}
			for _, alt := range alts {
				all := true
				for _, e := range alt.elems {
					if e.kind != elemRef || !nullable[e.ref] {
						all = false
						break
					}
				}
				if all {
					nullable[name] = true
					changed = true
					break
				}
			}
		}
	}

	leading := make(map[string][]string)
	for name, alts := range rules {
		for _, alt := range alts {
			for _, e := range alt.elems {
				if e.kind != elemRef {
					break
				}
				leading[name] = append(leading[name], e.ref)
				if !nullable[e.ref] {
					break
				}
			}
		}
	}

	for name := range rules {
		stack := append([]string(nil), leading[name]...)
		visited := make(map[string]bool)
		for len(stack) > 0 {
			ref := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if ref == name {
				return name, true
			}
			if visited[ref] {
				continue
			}
			visited[ref] = true
			stack = append(stack, leading[ref]...)
		}
	}
	return "", false
}

type parser struct {
	src    []rune
	pos    int
	nextID int
	synth  int
	rules  map[string][]alternative
}

func (p *parser) parseRules() error {
	for {
		p.skipSpace(true)
		if p.pos >= len(p.src) {
			break
		}
		name := p.ident()
		if name == "" {
			return errors.Errorf("grammar: expected rule name at offset %d", p.pos)
		}
		p.skipSpace(false)
		if !p.literal("::=") {
			return errors.Errorf("grammar: expected ::= after rule %q", name)
		}
		alts, err := p.parseAlternates()
		if err != nil {
			return err
		}
		if _, dup := p.rules[name]; dup {
			return errors.Errorf("grammar: rule %q defined twice", name)
		}
		p.rules[name] = alts
	}
	if len(p.rules) == 0 {
		return errors.New("grammar: no rules defined")
	}
	return nil
}

// parseAlternates consumes alternatives until the next rule definition or the
// end of input.
func (p *parser) parseAlternates() ([]alternative, error) {
	var alts []alternative
	for {
		seq, err := p.parseSequence()
		if err != nil {
			return nil, err
		}
		alts = append(alts, alternative{id: p.altID(), elems: seq})
		p.skipSpace(false)
		if p.pos < len(p.src) && p.src[p.pos] == '|' {
			p.pos++
			continue
		}
		p.skipSpace(true)
		if p.pos < len(p.src) && p.src[p.pos] == '|' {
			p.pos++
			continue
		}
		return alts, nil
	}
}

func (p *parser) parseSequence() ([]element, error) {
	var seq []element
	for {
		p.skipSpace(false)
		if p.pos >= len(p.src) {
			return seq, nil
		}
		switch c := p.src[p.pos]; {
		case c == '"':
			lit, err := p.quoted()
			if err != nil {
				return nil, err
			}
			var litElems []element
			for _, r := range lit {
				litElems = append(litElems, element{kind: elemChars, ranges: []charRange{{r, r}}})
			}
			// A repetition suffix binds to the whole literal, so multi-rune
			// literals are wrapped in a synthetic rule first.
			if len(litElems) > 1 && p.repeatAhead() {
				ref := p.defineSynth([]alternative{{id: p.altID(), elems: litElems}})
				litElems = []element{{kind: elemRef, ref: ref}}
			}
			seq = append(seq, litElems...)
			seq, err = p.maybeRepeat(seq)
			if err != nil {
				return nil, err
			}
		case c == '[':
			e, err := p.charClass()
			if err != nil {
				return nil, err
			}
			seq = append(seq, e)
			seq, err = p.maybeRepeat(seq)
			if err != nil {
				return nil, err
			}
		case c == '(':
			p.pos++
			alts, err := p.parseGroup()
			if err != nil {
				return nil, err
			}
			seq = append(seq, element{kind: elemRef, ref: p.defineSynth(alts)})
			seq, err = p.maybeRepeat(seq)
			if err != nil {
				return nil, err
			}
		case c == ')' || c == '|' || c == '\n' || c == '\r':
			return seq, nil
		case isIdentRune(c):
			// Stop before the next rule definition.
			if p.peekRuleDef() {
				return seq, nil
			}
			name := p.ident()
			seq = append(seq, element{kind: elemRef, ref: name})
			var err error
			seq, err = p.maybeRepeat(seq)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("grammar: unexpected character %q at offset %d", c, p.pos)
		}
	}
}

// parseGroup parses alternatives inside parentheses, across newlines, up to
// the closing parenthesis.
func (p *parser) parseGroup() ([]alternative, error) {
	var alts []alternative
	for {
		p.skipSpace(true)
		seq, err := p.parseSequence()
		if err != nil {
			return nil, err
		}
		alts = append(alts, alternative{id: p.altID(), elems: seq})
		p.skipSpace(true)
		if p.pos >= len(p.src) {
			return nil, errors.New("grammar: unterminated group")
		}
		switch p.src[p.pos] {
		case '|':
			p.pos++
		case ')':
			p.pos++
			return alts, nil
		default:
			return nil, errors.Errorf("grammar: unexpected character %q in group at offset %d", p.src[p.pos], p.pos)
		}
	}
}

// maybeRepeat rewrites a trailing ?, * or + suffix on the last element of seq
// into a synthetic rule, so the matcher never deals with repetition counts.
func (p *parser) maybeRepeat(seq []element) ([]element, error) {
	if p.pos >= len(p.src) || len(seq) == 0 {
		return seq, nil
	}
	suffix := p.src[p.pos]
	if suffix != '?' && suffix != '*' && suffix != '+' {
		return seq, nil
	}
	p.pos++
	last := seq[len(seq)-1]
	seq = seq[:len(seq)-1]
	var name string
	switch suffix {
	case '?': // S ::= e | ε
		name = p.defineSynth([]alternative{
			{id: p.altID(), elems: []element{last}},
			{id: p.altID()},
		})
	case '*': // S ::= e S | ε
		name = p.synthName()
		p.rules[name] = []alternative{
			{id: p.altID(), elems: []element{last, {kind: elemRef, ref: name}}},
			{id: p.altID()},
		}
	case '+': // S ::= e S | e
		name = p.synthName()
		p.rules[name] = []alternative{
			{id: p.altID(), elems: []element{last, {kind: elemRef, ref: name}}},
			{id: p.altID(), elems: []element{last}},
		}
	}
	return append(seq, element{kind: elemRef, ref: name}), nil
}

func (p *parser) repeatAhead() bool {
	if p.pos >= len(p.src) {
		return false
	}
	c := p.src[p.pos]
	return c == '?' || c == '*' || c == '+'
}

func (p *parser) defineSynth(alts []alternative) string {
	name := p.synthName()
	p.rules[name] = alts
	return name
}

func (p *parser) synthName() string {
	p.synth++
	return "$" + strconv.Itoa(p.synth)
}

func (p *parser) altID() int {
	p.nextID++
	return p.nextID
}

func (p *parser) quoted() (string, error) {
	p.pos++ // opening quote
	var out []rune
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			return string(out), nil
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", errors.New("grammar: unterminated escape")
			}
			r, err := unescape(p.src[p.pos])
			if err != nil {
				return "", err
			}
			out = append(out, r)
			p.pos++
		default:
			out = append(out, c)
			p.pos++
		}
	}
	return "", errors.New("grammar: unterminated literal")
}

func (p *parser) charClass() (element, error) {
	p.pos++ // opening bracket
	e := element{kind: elemChars}
	if p.pos < len(p.src) && p.src[p.pos] == '^' {
		e.negated = true
		p.pos++
	}
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ']' {
			p.pos++
			if len(e.ranges) == 0 {
				return element{}, errors.New("grammar: empty character class")
			}
			return e, nil
		}
		if c == '\\' {
			p.pos++
			if p.pos >= len(p.src) {
				return element{}, errors.New("grammar: unterminated escape")
			}
			var err error
			c, err = unescape(p.src[p.pos])
			if err != nil {
				return element{}, err
			}
		}
		p.pos++
		if p.pos+1 < len(p.src) && p.src[p.pos] == '-' && p.src[p.pos+1] != ']' {
			p.pos++
			hi := p.src[p.pos]
			if hi == '\\' {
				p.pos++
				var err error
				hi, err = unescape(p.src[p.pos])
				if err != nil {
					return element{}, err
				}
			}
			p.pos++
			if hi < c {
				return element{}, errors.Errorf("grammar: inverted range %c-%c", c, hi)
			}
			e.ranges = append(e.ranges, charRange{c, hi})
			continue
		}
		e.ranges = append(e.ranges, charRange{c, c})
	}
	return element{}, errors.New("grammar: unterminated character class")
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && isIdentRune(p.src[p.pos]) {
		p.pos++
	}
	return string(p.src[start:p.pos])
}

func (p *parser) literal(s string) bool {
	for i, r := range s {
		if p.pos+i >= len(p.src) || p.src[p.pos+i] != r {
			return false
		}
	}
	p.pos += len(s)
	return true
}

// peekRuleDef reports whether an identifier at the current position begins a
// new `name ::=` rule definition.
func (p *parser) peekRuleDef() bool {
	i := p.pos
	for i < len(p.src) && isIdentRune(p.src[i]) {
		i++
	}
	for i < len(p.src) && (p.src[i] == ' ' || p.src[i] == '\t') {
		i++
	}
	return i+2 < len(p.src) && p.src[i] == ':' && p.src[i+1] == ':' && p.src[i+2] == '='
}

// skipSpace advances past blanks and comments; newlines only when asked.
func (p *parser) skipSpace(newlines bool) {
	for p.pos < len(p.src) {
		switch c := p.src[p.pos]; {
		case c == ' ' || c == '\t':
			p.pos++
		case c == '#':
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
		case (c == '\n' || c == '\r') && newlines:
			p.pos++
		default:
			return
		}
	}
}

func (e element) matches(r rune) bool {
	if r == utf8.RuneError {
		return false
	}
	in := false
	for _, cr := range e.ranges {
		if r >= cr.lo && r <= cr.hi {
			in = true
			break
		}
	}
	if e.negated {
		return !in
	}
	return in
}

func isIdentRune(r rune) bool {
	return r == '-' || r == '_' || r == '$' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func unescape(r rune) (rune, error) {
	switch r {
	case 'n':
		return '\n', nil
	case 'r':
		return '\r', nil
	case 't':
		return '\t', nil
	case '"', '\\', '[', ']', '-', '^':
		return r, nil
	}
	return 0, errors.Errorf("grammar: unknown escape \\%c", r)
}
