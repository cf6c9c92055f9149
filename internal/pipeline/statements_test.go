package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
)

func TestParseStatements(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"dashes", "- one\n- two", []string{"one", "two"}},
		{"mixed markers", "* one\n• two\n1. three\n2) four\n3: five", []string{"one", "two", "three", "four", "five"}},
		{"prose and rules ignored", "Facts:\n\n---\n- one\n**Bold** line\n  - indented", []string{"one", "indented"}},
		{"marker without text", "-\n- real", []string{"real"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for i, s := range ParseStatements(tt.in) {
				assert.Equal(t, i+1, s.Index)
				got = append(got, s.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListing(t *testing.T) {
	stmts := []Statement{{Index: 1, Text: "first"}, {Index: 2, Text: "second [x](/wiki/X)"}}
	listing := FormatListing(stmts)
	assert.Equal(t, "[1] first\n[2] second [x](/wiki/X)", listing)
	assert.Equal(t, stmts, ParseListing(listing))

	// A hand-edited listing may wrap a statement.
	assert.Equal(t, []Statement{{Index: 1, Text: "first continued"}}, ParseListing("[1] first\n   continued\n"))
	assert.Equal(t, "3_2", Statement{Index: 2}.Key(3))
	assert.Equal(t, "2", Statement{Index: 2}.ID())
}

func TestSplitHeader(t *testing.T) {
	content := Header("T > Early Life", 2, 5) + "Body text.\n\n---\n\nmore\n"
	crumb, body := SplitHeader(content)
	assert.Equal(t, "T > Early Life", crumb)
	assert.Equal(t, "Body text.\n\n---\n\nmore", body)

	crumb, body = SplitHeader("no header\n---\nhere")
	assert.Empty(t, crumb)
	assert.Equal(t, "no header\n---\nhere", body)
}

func TestTriplesContent(t *testing.T) {
	s := Statement{Index: 2, Text: "Einstein was born in Ulm."}
	assert.Equal(t, "# Statement [4.2]: Einstein was born in Ulm.\n# No triples emitted for this statement\n",
		TriplesContent(4, s, nil))

	got := TriplesContent(4, s, []emission.Triple{
		{StatementID: "2", Subject: "<#einstein>", Predicate: "schema:birthPlace", Object: "<#ulm>"},
		{StatementID: "2", Subject: "<#ulm>", Predicate: "a", Object: "schema:Place"},
	})
	assert.Equal(t, "# Statement [4.2]: Einstein was born in Ulm.\n<#einstein> schema:birthPlace <#ulm> .\n<#ulm> a schema:Place .\n", got)
}
