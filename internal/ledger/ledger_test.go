package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ontoledger/internal/signature"
)

func signed(key, group, content string, cell int) Entry {
	sig := signature.Make(signature.KindIntermediate, content, "", "", signature.Metadata{Cell: cell, Stage: "facts"})
	return Entry{Key: key, Group: group, Content: content, Signature: &sig}
}

func TestDocument_ReplaceGroup(t *testing.T) {
	doc := NewDocument("facts")
	doc.ReplaceGroup("facts/1", []Entry{signed("facts/1", "", "one", 1)})
	doc.ReplaceGroup("facts/2", []Entry{signed("facts/2", "", "two", 2)})
	doc.Entries = append(doc.Entries, Entry{Key: "facts/1", Group: "facts/1", Content: "# Error: GenerationTimeout", Marker: true})

	removed := doc.ReplaceGroup("facts/1", []Entry{signed("facts/1", "", "one v2", 3)})
	require.Len(t, removed, 2, "old entry and marker are both removed")

	assert.Equal(t, []string{"facts/2", "facts/1"}, doc.Groups())
	got := doc.Group("facts/1")
	require.Len(t, got, 1)
	assert.Equal(t, "one v2", got[0].Content)
	assert.Equal(t, "facts/1", got[0].Group, "group is stamped on replacement entries")
	assert.Empty(t, doc.Markers("facts/1"))

	doc.RestoreGroup("facts/1", removed)
	assert.Equal(t, "one", doc.Group("facts/1")[0].Content)
	assert.Len(t, doc.Markers("facts/1"), 1)
}

func TestDocument_MarkFailed(t *testing.T) {
	doc := NewDocument("facts")
	doc.ReplaceGroup("facts/1", []Entry{signed("facts/1", "", "one", 1)})
	doc.ReplaceGroup("facts/2", []Entry{signed("facts/2", "", "two", 2)})

	removed := doc.MarkFailed("facts/1", "facts/1", "first failure")
	require.Len(t, removed, 1)
	assert.Equal(t, "one", removed[0].Content)

	removed = doc.MarkFailed("facts/1", "facts/1", "second failure")
	require.Len(t, removed, 1, "the earlier marker is replaced")

	markers := doc.Markers("facts/1")
	require.Len(t, markers, 1)
	assert.Equal(t, "second failure", markers[0].Content)
	assert.Nil(t, markers[0].Signature)
	assert.Empty(t, doc.Group("facts/1"), "superseded content is removed with its signature")
	assert.Empty(t, doc.Signatures("facts/1"))
	assert.Len(t, doc.Group("facts/2"), 1)

	_, ok := doc.Lookup("facts/1")
	assert.False(t, ok, "markers are never returned as content")
}

func TestEntry_ContentURI(t *testing.T) {
	e := signed("facts/1", "facts/1", "generated", 1)
	assert.Equal(t, e.Signature.ID, e.ContentURI())

	e.Content = "edited by hand"
	assert.NotEqual(t, e.Signature.ID, e.ContentURI())
	assert.Equal(t, signature.Make(signature.KindIntermediate, "edited by hand", "", "", signature.Metadata{}).ID, e.ContentURI())
}

func TestDocument_NextCellAndPrune(t *testing.T) {
	doc := NewDocument("chunks")
	assert.Equal(t, 1, doc.NextCell())

	doc.ReplaceGroup("chunk/1", []Entry{signed("chunk/1", "", "a", 1)})
	doc.ReplaceGroup("chunk/2", []Entry{signed("chunk/2", "", "b", 5)})
	doc.ReplaceGroup("chunk/3", []Entry{signed("chunk/3", "", "c", 2)})
	assert.Equal(t, 6, doc.NextCell())

	removed := doc.Prune(func(g string) bool { return g != "chunk/2" })
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"chunk/1", "chunk/3"}, doc.Groups())
	assert.Len(t, doc.AllSignatures(), 2)
}

func TestDocument_Drift(t *testing.T) {
	doc := NewDocument("facts")
	doc.ReplaceGroup("facts/1", []Entry{signed("facts/1", "", "original", 1)})
	doc.ReplaceGroup("facts/2", []Entry{signed("facts/2", "", "untouched", 2)})
	assert.Empty(t, doc.Drift())

	doc.Entries[0].Content = "edited by hand"
	drift := doc.Drift()
	require.Len(t, drift, 1)
	assert.Equal(t, "facts/1", drift[0].Key)
}

func TestValidateStage(t *testing.T) {
	tests := []struct {
		stage   string
		wantErr bool
	}{
		{"facts", false},
		{"triples_v2", false},
		{"", true},
		{"../etc", true},
		{"Facts", true},
		{"a/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			err := ValidateStage(tt.stage)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
