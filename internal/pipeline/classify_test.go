package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassifications(t *testing.T) {
	stmts := []Statement{
		{Index: 1, Text: "Einstein was a physicist."},
		{Index: 2, Text: "He was born in Ulm."},
		{Index: 3, Text: "Ulm is in Germany."},
	}

	tests := []struct {
		name        string
		raw         string
		wantLabels  []string
		wantReasons []string
		wantMissing string
	}{
		{
			name:        "dash separated",
			raw:         "1: GOOD - atomic and linked\n2: BAD - pronoun\n3: GOOD - fine\nMissing facts: Einstein's birth date",
			wantLabels:  []string{LabelGood, LabelBad, LabelGood},
			wantReasons: []string{"atomic and linked", "pronoun", "fine"},
			wantMissing: "Einstein's birth date",
		},
		{
			name:        "mixed case and separators",
			raw:         "[1] good: ok\n2. Bad – relies on context\n3) GOOD\n**Missing facts:** none",
			wantLabels:  []string{LabelGood, LabelBad, LabelGood},
			wantReasons: []string{"ok", "relies on context", ""},
		},
		{
			name:        "missing verdict defaults to bad",
			raw:         "Here is my review.\n1: GOOD - ok\n3: GOOD - ok",
			wantLabels:  []string{LabelGood, LabelBad, LabelGood},
			wantReasons: []string{"ok", notClassified, "ok"},
		},
		{
			name:        "first verdict wins",
			raw:         "1: BAD - first\n1: GOOD - second\n2: GOOD - ok\n3: GOOD - ok",
			wantLabels:  []string{LabelBad, LabelGood, LabelGood},
			wantReasons: []string{"first", "ok", "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls, missing := ParseClassifications(tt.raw, stmts)
			require.Len(t, cls, len(stmts))
			for i, c := range cls {
				assert.Equal(t, stmts[i].Index, c.Index)
				assert.Equal(t, stmts[i].Text, c.Statement)
				assert.Equal(t, tt.wantLabels[i], c.Label, "statement %d", c.Index)
				assert.Equal(t, tt.wantReasons[i], c.Reason, "statement %d", c.Index)
			}
			assert.Equal(t, tt.wantMissing, missing)
		})
	}
}

func TestParseClassifications_UnknownIndex(t *testing.T) {
	stmts := []Statement{{Index: 1, Text: "a"}}
	cls, _ := ParseClassifications("7: GOOD - extra\n1: GOOD - ok", stmts)
	require.Len(t, cls, 2)
	assert.Equal(t, 1, cls[0].Index)
	assert.Equal(t, 7, cls[1].Index)
	assert.Empty(t, cls[1].Statement)
}

func TestScore(t *testing.T) {
	assert.Zero(t, Score(nil))
	cls := []Classification{{Label: LabelGood}, {Label: LabelBad}, {Label: LabelGood}, {Label: LabelGood}}
	assert.InDelta(t, 0.75, Score(cls), 1e-9)
}

func TestClassificationsContent(t *testing.T) {
	long := strings.Repeat("x", 70)
	cls := []Classification{
		{Index: 1, Statement: "a | b", Label: LabelGood, Reason: "ok"},
		{Index: 2, Statement: long, Label: LabelBad, Reason: strings.Repeat("r", 45)},
	}
	got := ClassificationsContent("Albert Einstein > Early Life", 2, 3, cls, "")

	assert.True(t, strings.HasPrefix(got, "**Context:** Albert Einstein > Early Life\n**Chunk:** 2 of 3\n**Score:** 50.0% (1/2 GOOD)\n\n---\n\n"))
	assert.Contains(t, got, "| # | Classification | Statement | Reason |\n|---|----------------|-----------|--------|\n")
	assert.Contains(t, got, "| 1 | ✅ GOOD | a \\| b | ok |\n")
	assert.Contains(t, got, "| 2 | ❌ BAD | "+strings.Repeat("x", 60)+"... | "+strings.Repeat("r", 40)+"... |\n")
	assert.True(t, strings.HasSuffix(got, "\n**Missing facts:** none\n"))
}
