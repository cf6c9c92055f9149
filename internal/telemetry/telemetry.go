package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the providers of one ontoledger process. All methods are
// safe on a nil receiver and fall back to the global providers.
type Telemetry struct {
	cfg *Config

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
	lp log.LoggerProvider

	closed atomic.Bool

	mu   sync.Mutex
	errs []error
}

// New builds the providers for cfg and installs them as the otel globals.
// An exporter that cannot be built degrades the instance instead of failing
// the command; Err reports why.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res, o); err != nil {
		t.degrade(fmt.Errorf("tracer provider: %w", err))
	} else {
		t.tp = tp
		otel.SetTracerProvider(tp)
	}
	if mp, err := newMeterProvider(ctx, cfg, res, o); err != nil {
		t.degrade(fmt.Errorf("meter provider: %w", err))
	} else if mp != nil {
		t.mp = mp
		otel.SetMeterProvider(mp)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer for the instrumentation scope name.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tp == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tp.Tracer(name, opts...)
}

// Meter returns a meter for the instrumentation scope name.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.mp == nil {
		return otel.Meter(name, opts...)
	}
	return t.mp.Meter(name, opts...)
}

// LoggerProvider returns the provider for the zap bridge: the one set with
// SetLoggerProvider, else the otel global when telemetry is enabled, else
// nil.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	switch {
	case t == nil:
		return nil
	case t.lp != nil:
		return t.lp
	case t.Enabled():
		return global.GetLoggerProvider()
	}
	return nil
}

// SetLoggerProvider overrides the provider used by the zap bridge.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t != nil {
		t.lp = lp
	}
}

// Enabled reports whether telemetry is on and not shut down.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.cfg.Enabled && !t.closed.Load()
}

// Degraded reports whether an exporter failed to start.
func (t *Telemetry) Degraded() bool {
	return t.Err() != nil
}

// Err returns why the instance is degraded, or nil.
func (t *Telemetry) Err() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.errs...)
}

func (t *Telemetry) degrade(err error) {
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

// ForceFlush exports buffered spans and metric points.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.ForceFlush(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers, bounded by shutdown.timeout
// when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if t.mp != nil {
		if err := t.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
