package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactsPrompt(t *testing.T) {
	p, err := FactsPrompt(FactsInput{
		SourceURL:     sourceURL,
		Breadcrumb:    "Albert Einstein > Early Life",
		KnownEntities: "- Ulm (Place)",
		Text:          "Einstein was born in [Ulm](/wiki/Ulm).",
	})
	require.NoError(t, err)
	assert.Contains(t, p, "Source URL: "+sourceURL+"\n")
	assert.Contains(t, p, "Section context: Albert Einstein > Early Life\n")
	assert.Contains(t, p, "consistency):\n- Ulm (Place)\n")
	assert.Contains(t, p, "---\nEinstein was born in [Ulm](/wiki/Ulm).\n---\n")
	assert.True(t, strings.HasSuffix(p, "preserving all markdown links:\n"))
}

func TestTriplesPrompt(t *testing.T) {
	p, err := TriplesPrompt(TriplesInput{
		SourceURL:  sourceURL,
		Breadcrumb: "Albert Einstein > Introduction",
		Registry:   "# No entities registered yet",
		Statements: []Statement{{Index: 1, Text: "a"}, {Index: 2, Text: "b"}},
	})
	require.NoError(t, err)
	assert.Contains(t, p, "Source: "+sourceURL+"\n")
	assert.Contains(t, p, "known entities):\n# No entities registered yet\n")
	assert.Contains(t, p, "emitting triples):\n[1] a\n[2] b\n")
	assert.Contains(t, SystemPrompt, "find_rdf_class")
}

func TestClassifyPrompt(t *testing.T) {
	p, err := ClassifyPrompt(ClassifyInput{
		Breadcrumb: "Albert Einstein > Early Life",
		Text:       "Einstein was born in Ulm.",
		Statements: []Statement{{Index: 1, Text: "Einstein was born in Ulm."}},
	})
	require.NoError(t, err)
	assert.Contains(t, p, "Section context: Albert Einstein > Early Life\n")
	assert.Contains(t, p, "---\nEinstein was born in Ulm.\n---\n")
	assert.Contains(t, p, "Extracted statements:\n[1] Einstein was born in Ulm.\n")
	assert.True(t, strings.HasSuffix(p, "Missing facts: <facts, or none>\n"))
}

func TestRDFPrefixes(t *testing.T) {
	got := RDFPrefixes(sourceURL)
	assert.True(t, strings.HasPrefix(got, "@prefix schema: <https://schema.org/> .\n"))
	assert.Contains(t, got, "@prefix wiki3: <https://wiki3.ai/vocab/> .\n")
	assert.True(t, strings.HasSuffix(got, "@base <"+sourceURL+"> .\n"))
	assert.Equal(t, 9, strings.Count(got, "\n"))
}
