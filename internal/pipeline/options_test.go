package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in      string
		want    Granularity
		wantErr bool
	}{
		{"", GranularityChunk, false},
		{"chunk", GranularityChunk, false},
		{" Unit ", GranularityUnit, false},
		{"statement", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGranularity(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy(t *testing.T) {
	p := Policy{StageTriples: GranularityUnit}
	assert.NoError(t, p.Validate())
	assert.Equal(t, GranularityUnit, p.For(StageTriples))
	assert.Equal(t, GranularityChunk, p.For(StageFacts))
	assert.Equal(t, GranularityChunk, Policy(nil).For(StageTriples))

	assert.ErrorIs(t, Policy{"rdf": GranularityChunk}.Validate(), ErrInvalidOptions)
	assert.ErrorIs(t, Policy{StageStatements: GranularityUnit}.Validate(), ErrInvalidOptions)
	assert.ErrorIs(t, Policy{StageTriples: "sentence"}.Validate(), ErrInvalidOptions)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{Title: "Albert Einstein", SourceURL: "https://en.wikipedia.org/wiki/Albert_Einstein"}
	o.ApplyDefaults()
	require.NoError(t, o.Validate())

	assert.Equal(t, "https://en.wikipedia.org", o.LinkBase)
	assert.Equal(t, 2000, o.Chunking.ChunkSize)
	assert.Equal(t, 150, o.MaxIterations)
	assert.Equal(t, 5*time.Minute, o.GenerationTimeout)
	assert.NotNil(t, o.Policy)

	o = Options{Title: "T", SourceURL: "file.txt"}
	o.ApplyDefaults()
	assert.Empty(t, o.LinkBase)
}

func TestOptions_ValidateJoinsErrors(t *testing.T) {
	o := Options{}
	o.Chunking.ChunkSize = 10
	o.Chunking.ChunkOverlap = 20
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title is required")
	assert.Contains(t, err.Error(), "source url is required")
	assert.Contains(t, err.Error(), "overlap")
}
