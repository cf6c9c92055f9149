package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/telemetry"
)

func TestToolMetrics_Track(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := newToolMetrics(tel.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.track(ctx, "emit_triple")("Triple recorded for [1]: a b c")
	m.track(ctx, "emit_triple")("ERROR: triple rejected: missing object")
	pending := m.track(ctx, "find_rdf_class")

	assert.Equal(t, int64(2), tel.Int64Sum(t, "ontoledger.mcp.tool.calls"))
	assert.Equal(t, int64(1), tel.Int64Sum(t, "ontoledger.mcp.tool.failures",
		attribute.String("reason", "rejected")))
	assert.Equal(t, int64(1), tel.Int64Sum(t, "ontoledger.mcp.tool.inflight",
		attribute.String("tool", "find_rdf_class")))

	pending("Found 3 classes")
	assert.Equal(t, int64(0), tel.Int64Sum(t, "ontoledger.mcp.tool.inflight"))
	assert.Equal(t, int64(3), tel.Int64Sum(t, "ontoledger.mcp.tool.calls"))
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"Recorded 3 triples", ""},
		{"ERROR: triple rejected: missing object", "rejected"},
		{"ERROR: Recorded 1 triples, rejected 2. Fix and resend only the rejected records:", "rejected"},
		{"ERROR: arguments are not a JSON object: unexpected end", "malformed_arguments"},
		{`ERROR: "triples" must be a list of records`, "malformed_arguments"},
		{`ERROR: "description" is required`, "missing_argument"},
		{"ERROR: no triples given", "missing_argument"},
		{"ERROR: vocabulary search failed: boom", "vocabulary_error"},
		{`ERROR: unknown tool "x"`, "unknown_tool"},
		{"ERROR: something went wrong", "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureReason(tt.answer), tt.answer)
	}
}
