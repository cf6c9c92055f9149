package incremental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
	"github.com/fyrsmithlabs/ontoledger/internal/signature"
	"github.com/fyrsmithlabs/ontoledger/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/ontoledger/internal/incremental"

var (
	// ErrGenerationTimeout marks a generation that exceeded its budget.
	ErrGenerationTimeout = errors.New("generation timeout")

	// ErrGenerationFailed marks any other generation failure.
	ErrGenerationFailed = errors.New("generation failed")
)

// Output is one generated unit.
type Output struct {
	Key     string
	Content string
	// Label overrides the default "<stage>:<cell>" label.
	Label string
	Meta  signature.Metadata
}

// Unit is a group of outputs that is decided and replaced as a whole.
type Unit struct {
	Group string
	Kind  signature.Kind
	// Predecessor is the CID URI the outputs derive from. Empty for roots.
	Predecessor string
	// Root marks a unit without predecessor. Its freshness is decided by
	// comparing the stored identifier with the CID of Source.
	Root   bool
	Source string
	// MarkerKey names the error marker written on failure.
	MarkerKey string
	Generate  func(ctx context.Context) ([]Output, error)
}

// Outcome reports what Process did with a unit.
type Outcome struct {
	Group    string
	Decision State
	Final    State
	Outputs  int
	Duration time.Duration
	// Err is a recoverable generation error. The group is left Missing with
	// an error marker and is retried on the next run.
	Err error
}

// Skipped reports whether the unit was fresh.
func (o Outcome) Skipped() bool { return o.Decision == Fresh }

// Controller runs units against a stage document and persists the result
// after every unit.
type Controller struct {
	store     ledger.Store
	timeout   time.Duration
	logger    *zap.Logger
	tracer    trace.Tracer
	decisions metric.Int64Counter
	failures  metric.Int64Counter
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	tel *telemetry.Telemetry
}

// WithTelemetry records spans and counters through tel instead of the global
// providers.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *controllerOptions) { o.tel = tel }
}

// NewController creates a controller. timeout bounds each generation; zero
// disables the bound.
func NewController(store ledger.Store, timeout time.Duration, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o controllerOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{store: store, timeout: timeout, logger: logger, now: time.Now}

	var meter metric.Meter
	if o.tel != nil {
		c.tracer = o.tel.Tracer(instrumentationName)
		meter = o.tel.Meter(instrumentationName)
	} else {
		c.tracer = otel.Tracer(instrumentationName)
		meter = otel.Meter(instrumentationName)
	}

	var err error
	c.decisions, err = meter.Int64Counter(
		"ontoledger.units.decisions",
		metric.WithDescription("Freshness decisions by stage and state"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		logger.Warn("failed to create decisions counter", zap.Error(err))
	}
	c.failures, err = meter.Int64Counter(
		"ontoledger.units.failures",
		metric.WithDescription("Failed generations by stage and reason"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		logger.Warn("failed to create failures counter", zap.Error(err))
	}
	return c
}

// Process decides u against doc and generates it when needed. The returned
// error is reserved for conditions that must abort the run: cancellation of
// ctx and persistence failures. Generation failures are reported in
// Outcome.Err.
func (c *Controller) Process(ctx context.Context, doc *ledger.Document, u Unit) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "incremental.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("stage", doc.Stage),
		attribute.String("group", u.Group),
	)

	start := c.now()
	out := Outcome{Group: u.Group}
	if u.Root {
		out.Decision = DecideRoot(doc, u.Group, u.Source)
	} else {
		out.Decision = Decide(doc, u.Group, u.Predecessor)
	}
	out.Final = out.Decision
	span.SetAttributes(attribute.String("decision", out.Decision.String()))
	c.count(ctx, c.decisions, doc.Stage, attribute.String("state", out.Decision.String()))

	if out.Decision == Fresh {
		c.logger.Debug("unit fresh, skipping",
			zap.String("stage", doc.Stage),
			zap.String("group", u.Group),
		)
		return out, nil
	}

	outputs, err := c.generate(ctx, u)
	out.Duration = c.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			return out, ctx.Err()
		}
		out.Err = err
		reason := "error"
		if errors.Is(err, ErrGenerationTimeout) {
			reason = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.count(ctx, c.failures, doc.Stage, attribute.String("reason", reason))
		c.logger.Warn("generation failed, unit left for next run",
			zap.String("stage", doc.Stage),
			zap.String("group", u.Group),
			zap.String("state", out.Decision.String()),
			zap.Error(err),
		)

		// Stale content no longer derives from its predecessor, so it goes
		// together with its signatures and the marker takes its place.
		key := u.MarkerKey
		if key == "" {
			key = u.Group
		}
		previous := doc.MarkFailed(u.Group, key, fmt.Sprintf("# Error: %v", err))
		if err := c.save(ctx, doc); err != nil {
			doc.RestoreGroup(u.Group, previous)
			return out, err
		}
		out.Final = Missing
		return out, nil
	}

	entries := c.sign(doc, u, outputs)
	previous := doc.ReplaceGroup(u.Group, entries)
	if err := c.save(ctx, doc); err != nil {
		doc.RestoreGroup(u.Group, previous)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	out.Final = next(out.Decision)
	out.Outputs = len(entries)
	span.SetStatus(codes.Ok, "success")
	c.logger.Debug("unit generated",
		zap.String("stage", doc.Stage),
		zap.String("group", u.Group),
		zap.String("decision", out.Decision.String()),
		zap.Int("outputs", len(entries)),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// generate runs u.Generate under the controller timeout and classifies
// failures.
func (c *Controller) generate(ctx context.Context, u Unit) ([]Output, error) {
	if u.Generate == nil {
		if u.Root {
			return []Output{{Key: u.Group, Content: u.Source}}, nil
		}
		return nil, fmt.Errorf("%w: unit %s has no generator", ErrGenerationFailed, u.Group)
	}

	gctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	outputs, err := u.Generate(gctx)
	if err == nil {
		return outputs, nil
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(gctx.Err(), context.DeadlineExceeded)) {
		return nil, fmt.Errorf("%w after %s: %v", ErrGenerationTimeout, c.timeout, err)
	}
	if errors.Is(err, ErrGenerationTimeout) || errors.Is(err, ErrGenerationFailed) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
}

// sign builds signed entries. Outputs without a cell number are numbered
// after the last cell of the document.
func (c *Controller) sign(doc *ledger.Document, u Unit, outputs []Output) []ledger.Entry {
	nextCell := doc.NextCell()
	entries := make([]ledger.Entry, 0, len(outputs))
	for _, o := range outputs {
		meta := o.Meta
		if meta.Stage == "" {
			meta.Stage = doc.Stage
		}
		if meta.Cell == 0 {
			meta.Cell = nextCell
			nextCell++
		}
		sig := signature.Make(u.Kind, o.Content, u.Predecessor, o.Label, meta)
		key := o.Key
		if key == "" {
			key = u.Group
		}
		entries = append(entries, ledger.Entry{Key: key, Content: o.Content, Signature: &sig})
	}
	return entries
}

func (c *Controller) save(ctx context.Context, doc *ledger.Document) error {
	doc.Header.UpdatedAt = c.now().UTC()
	if err := c.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("saving %s ledger: %w", doc.Stage, err)
	}
	return nil
}

func (c *Controller) count(ctx context.Context, counter metric.Int64Counter, stage string, attr attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage), attr))
}
