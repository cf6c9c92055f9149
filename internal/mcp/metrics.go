package mcp

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

const instrumentationName = "github.com/fyrsmithlabs/ontoledger/internal/mcp"

// toolMetrics counts tool calls. Instruments that could not be created are
// nil and skipped.
type toolMetrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &toolMetrics{}
	var err error
	m.calls, err = meter.Int64Counter("ontoledger.mcp.tool.calls",
		metric.WithDescription("MCP tool calls"), metric.WithUnit("{call}"))
	warn("calls", err)
	m.failures, err = meter.Int64Counter("ontoledger.mcp.tool.failures",
		metric.WithDescription("MCP tool calls answered with a corrective error"), metric.WithUnit("{call}"))
	warn("failures", err)
	m.latency, err = meter.Float64Histogram("ontoledger.mcp.tool.duration",
		metric.WithDescription("MCP tool call duration"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5))
	warn("duration", err)
	m.inflight, err = meter.Int64UpDownCounter("ontoledger.mcp.tool.inflight",
		metric.WithDescription("MCP tool calls in progress"), metric.WithUnit("{call}"))
	warn("inflight", err)
	return m
}

// track marks a call to tool as started. The returned func records its
// answer.
func (m *toolMetrics) track(ctx context.Context, tool string) func(answer string) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
	start := time.Now()

	return func(answer string) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if reason := failureReason(answer); reason != "" && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool), attribute.String("reason", reason)))
		}
	}
}

// failureReason classifies a corrective answer, or returns "" for success.
func failureReason(answer string) string {
	if !strings.HasPrefix(answer, tools.ErrorPrefix) {
		return ""
	}
	msg := strings.ToLower(answer)
	for _, c := range []struct{ needle, reason string }{
		{"rejected", "rejected"},
		{"not a json", "malformed_arguments"},
		{"must be a list", "malformed_arguments"},
		{"is required", "missing_argument"},
		{"is empty", "missing_argument"},
		{"no triples given", "missing_argument"},
		{"vocabulary", "vocabulary_error"},
		{"unknown tool", "unknown_tool"},
	} {
		if strings.Contains(msg, c.needle) {
			return c.reason
		}
	}
	return "internal_error"
}
