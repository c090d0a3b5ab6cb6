package samplechain

import "testing"

func TestNewGrammar(t *testing.T) {
	g, err := NewGrammar(`root ::= "yes" | "no"`, "root")
	if err != nil {
		t.Fatalf("NewGrammar: %v", err)
	}
	if g.Source() == "" || g.Root() != "root" {
		t.Fatalf("unexpected grammar fields: source=%q root=%q", g.Source(), g.Root())
	}
	if got, want := g.String(), "grammar(root)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestNewGrammarRejectsInvalidSource(t *testing.T) {
	cases := []struct {
		name   string
		source string
		root   string
	}{
		{"syntax error", `root := "yes"`, "root"},
		{"missing root", `answer ::= "yes"`, "root"},
		{"undefined reference", `root ::= part`, "root"},
		{"left recursion", `root ::= root "x"`, "root"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGrammar(tc.source, tc.root); err == nil {
				t.Fatalf("NewGrammar(%q, %q) accepted invalid source", tc.source, tc.root)
			}
		})
	}
}
