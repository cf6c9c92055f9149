package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSections(t *testing.T) {
	text := "Intro.\n== Early Life ==\ntext\n=== Family ===\nmore\n==== Siblings ====\nx\n== Career ==\ny\n== Broken ===\n"
	sections := Sections(text)
	require.Len(t, sections, 4)

	want := []string{"Early Life", "Early Life > Family", "Early Life > Family > Siblings", "Career"}
	for i, s := range sections {
		assert.Equal(t, want[i], s.Breadcrumb)
		assert.Equal(t, "=", text[s.Start:s.Start+1])
	}
	assert.Equal(t, 2, sections[0].Level)
	assert.Equal(t, 4, sections[2].Level)
}

func TestSectionAt(t *testing.T) {
	text := "Intro text.\n== A ==\nbody"
	sections := Sections(text)

	title, crumb := sectionAt(0, sections)
	assert.Equal(t, DefaultSection, title)
	assert.Equal(t, DefaultSection, crumb)

	title, _ = sectionAt(len(text)-1, sections)
	assert.Equal(t, "A", title)
}

func TestSplit_SectionContext(t *testing.T) {
	text := "This is the introduction paragraph that is long enough.\n\n== Early Life ==\n\nAlbert Einstein was born in 1879 in Ulm, Germany.\n"

	chunks, err := Split("Albert Einstein", text, Config{ChunkSize: 60, MinChunkSize: 20})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Albert Einstein > Introduction", chunks[0].Breadcrumb)
	assert.Equal(t, "Albert Einstein > Early Life", chunks[1].Breadcrumb)
	assert.Equal(t, "Early Life", chunks[1].SectionTitle)
	assert.Contains(t, chunks[1].Text, "born in 1879")

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 2, c.Total)
		assert.Equal(t, c.Text, text[c.Start:c.End])
	}
}

func TestSplit_Edges(t *testing.T) {
	chunks, err := Split("T", "   \n", Config{})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = Split("T", "text", Config{ChunkSize: 10, ChunkOverlap: 10})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	chunks, err = Split("T", "Short.", Config{MinChunkSize: 50})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkContent(t *testing.T) {
	c := Chunk{Index: 0, Total: 3, Text: "Body.", Breadcrumb: "T > Introduction"}
	assert.Equal(t, "**Context:** T > Introduction\n**Chunk:** 1 of 3\n\n---\n\nBody.\n", c.Content())
	assert.Equal(t, 1, c.Num())
}

func TestLinks(t *testing.T) {
	text := "[Ulm](/wiki/Ulm) and [Germany](https://en.wikipedia.org/wiki/Germany), again [Ulm](/wiki/Ulm)."
	links := Links(text, "https://en.wikipedia.org/")
	assert.Equal(t, []Link{
		{Label: "Ulm", URL: "https://en.wikipedia.org/wiki/Ulm"},
		{Label: "Germany", URL: "https://en.wikipedia.org/wiki/Germany"},
	}, links)

	assert.Equal(t, "Ulm and Germany, again Ulm.", StripLinks(text))
	assert.Empty(t, Links(strings.Repeat("plain ", 3), ""))
}
