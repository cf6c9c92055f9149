package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

// Option overrides parts of provider construction.
type Option func(*options)

type options struct {
	spanExporter trace.SpanExporter
	metricReader metric.Reader
}

// WithSpanExporter replaces the OTLP trace exporter.
func WithSpanExporter(exp trace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricReader replaces the periodic OTLP metric reader.
func WithMetricReader(r metric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// newResource describes the service. It is built standalone so its schema URL
// cannot conflict with resource.Default.
func newResource(cfg *Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

func newSampler(rate float64) trace.Sampler {
	var s trace.Sampler
	switch {
	case rate >= 1.0:
		s = trace.AlwaysSample()
	case rate <= 0:
		s = trace.NeverSample()
	default:
		s = trace.TraceIDRatioBased(rate)
	}
	return trace.ParentBased(s)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource, o options) (*trace.TracerProvider, error) {
	exporter := o.spanExporter
	if exporter == nil {
		var err error
		if exporter, err = newSpanExporter(ctx, cfg); err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(cfg.Sampling.Rate)),
	), nil
}

func newSpanExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlptracehttp.WithInsecure())
		case cfg.TLSSkipVerify:
			opts = append(opts, otlptracehttp.WithTLSClientConfig(skipVerify()))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case cfg.TLSSkipVerify:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(skipVerify())))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// newMeterProvider returns nil when metric export is disabled.
func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource, o options) (*metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled && o.metricReader == nil {
		return nil, nil
	}

	reader := o.metricReader
	if reader == nil {
		exporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		reader = metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.Metrics.ExportInterval.Duration()))
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}

// cumulative is required by Prometheus-compatible backends.
func cumulative(metric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func newMetricExporter(ctx context.Context, cfg *Config) (metric.Exporter, error) {
	if cfg.Protocol == ProtocolHTTP {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlpmetrichttp.WithInsecure())
		case cfg.TLSSkipVerify:
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(skipVerify()))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case cfg.TLSSkipVerify:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(skipVerify())))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func skipVerify() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for internal CAs
}

// stripScheme removes http:// or https://; the exporters expect host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
