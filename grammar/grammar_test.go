package grammar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsInvalidSources(t *testing.T) {
	tests := []struct {
		name   string
		source string
		root   string
	}{
		{"empty source", "", "root"},
		{"empty root", `root ::= "a"`, ""},
		{"missing root rule", `other ::= "a"`, "root"},
		{"undefined reference", `root ::= missing`, "root"},
		{"duplicate rule", "root ::= \"a\"\nroot ::= \"b\"", "root"},
		{"unterminated literal", `root ::= "a`, "root"},
		{"unterminated class", `root ::= [a-z`, "root"},
		{"empty class", `root ::= []`, "root"},
		{"inverted range", `root ::= [z-a]`, "root"},
		{"direct left recursion", `root ::= root "a" | "b"`, "root"},
		{"indirect left recursion", "root ::= other \"x\"\nother ::= root \"y\" | \"z\"", "root"},
		{"nullable left recursion", "root ::= pre root \"a\" | \"b\"\npre ::= \"p\"?", "root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.source, tt.root)
			require.Error(t, err)
		})
	}
}

func TestParseAcceptsComments(t *testing.T) {
	g, err := Parse("# choice of answers\nroot ::= \"yes\" | \"no\" # inline\n", "root")
	require.NoError(t, err)
	assert.Equal(t, "root", g.Root())
}

func TestMachineLiteralAlternation(t *testing.T) {
	g, err := Parse(`root ::= "yes" | "no"`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	assert.True(t, m.Allows("yes"))
	assert.True(t, m.Allows("y"))
	assert.True(t, m.Allows("no"))
	assert.False(t, m.Allows("maybe"))
	assert.False(t, m.AtEnd())

	require.NoError(t, m.Accept("y"))
	assert.True(t, m.Allows("es"))
	assert.False(t, m.Allows("o"))
	require.NoError(t, m.Accept("es"))
	assert.True(t, m.AtEnd())
	assert.False(t, m.Allows("yes"))
}

func TestMachineAcceptRejectsInvalidPiece(t *testing.T) {
	g, err := Parse(`root ::= "abc"`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.Error(t, m.Accept("x"))
	// Failed accepts must not advance the state.
	require.NoError(t, m.Accept("ab"))
	require.NoError(t, m.Accept("c"))
	assert.True(t, m.AtEnd())
}

func TestMachineCharClassesAndRepetition(t *testing.T) {
	g, err := Parse(`root ::= [a-z]+ "-" [0-9]*`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.NoError(t, m.Accept("foo"))
	assert.False(t, m.AtEnd())
	require.NoError(t, m.Accept("-"))
	assert.True(t, m.AtEnd()) // zero digits is a complete derivation
	require.NoError(t, m.Accept("42"))
	assert.True(t, m.AtEnd())
	assert.False(t, m.Allows("x"))
}

func TestMachineOptionalAndGroups(t *testing.T) {
	g, err := Parse(`root ::= ("+" | "-")? [0-9]+`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.NoError(t, m.Accept("-12"))
	assert.True(t, m.AtEnd())

	m.Reset()
	require.NoError(t, m.Accept("7"))
	assert.True(t, m.AtEnd())

	m.Reset()
	assert.False(t, m.Allows("+-"))
}

func TestMachineNegatedClass(t *testing.T) {
	g, err := Parse(`root ::= "\"" [^"]* "\""`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.NoError(t, m.Accept(`"hi there`))
	assert.False(t, m.AtEnd())
	require.NoError(t, m.Accept(`"`))
	assert.True(t, m.AtEnd())
}

func TestMachineRuleReferences(t *testing.T) {
	source := `
root ::= object
object ::= "{" pair ("," pair)* "}"
pair ::= key ":" value
key ::= [a-z]+
value ::= [0-9]+ | object
`
	g, err := Parse(source, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.NoError(t, m.Accept("{a:1,b:{c:2}}"))
	assert.True(t, m.AtEnd())

	m.Reset()
	assert.False(t, m.Allows("{a}"))
}

func TestMachineResetRestoresStart(t *testing.T) {
	g, err := Parse(`root ::= "ab"`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.NoError(t, m.Accept("a"))
	assert.False(t, m.Allows("a"))
	m.Reset()
	assert.True(t, m.Allows("a"))
	assert.False(t, m.AtEnd())
}

func TestMachineEmptyPiece(t *testing.T) {
	g, err := Parse(`root ::= "a"`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	assert.True(t, m.Allows(""))
	require.NoError(t, m.Accept(""))
	require.NoError(t, m.Accept("a"))
	assert.True(t, m.AtEnd())
}

func TestMachineEscapes(t *testing.T) {
	g, err := Parse(`root ::= "line\n" [\t ]`, "root")
	require.NoError(t, err)

	m := NewMachine(g)
	require.NoError(t, m.Accept("line\n\t"))
	assert.True(t, m.AtEnd())
}
