package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is a Telemetry whose spans and metric points stay in
// memory. It never touches the otel globals.
type TestTelemetry struct {
	*Telemetry

	Recorder *tracetest.SpanRecorder
	Reader   *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled TestTelemetry.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg: cfg,
			tp:  trace.NewTracerProvider(trace.WithSpanProcessor(rec)),
			mp:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		Recorder: rec,
		Reader:   reader,
	}
}

// SpansByName returns the ended spans called name.
func (t *TestTelemetry) SpansByName(name string) []trace.ReadOnlySpan {
	var out []trace.ReadOnlySpan
	for _, s := range t.Recorder.Ended() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// AssertSpanAttribute verifies that some span named spanName carries key
// with the expected value.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected any) {
	tb.Helper()
	spans := t.SpansByName(spanName)
	if len(spans) == 0 {
		tb.Fatalf("span %q not ended", spanName)
	}

	var seen []any
	for _, span := range spans {
		for _, attr := range span.Attributes() {
			if string(attr.Key) != key {
				continue
			}
			got := attrValue(attr.Value)
			if got == expected {
				return
			}
			seen = append(seen, got)
		}
	}
	tb.Errorf("span %q attribute %q: want %v, got %v", spanName, key, expected, seen)
}

// Int64Sum collects metrics and sums the data points of an int64 counter
// whose attributes include every pair in attrs.
func (t *TestTelemetry) Int64Sum(tb testing.TB, name string, attrs ...attribute.KeyValue) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.Reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				tb.Fatalf("metric %q is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if hasAll(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAll(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, want := range attrs {
		got, ok := set.Value(want.Key)
		if !ok || got != want.Value {
			return false
		}
	}
	return true
}

func attrValue(v attribute.Value) any {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
