package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	runKey ctxKey = iota
	stageKey
	unitKey
)

// Log field names for the correlation values.
const (
	FieldRun   = "run.id"
	FieldStage = "stage"
	FieldUnit  = "unit"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// ContextFields returns the trace, run, stage and unit fields stored in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	for _, f := range []struct {
		key  ctxKey
		name string
	}{{runKey, FieldRun}, {stageKey, FieldStage}, {unitKey, FieldUnit}} {
		if v := value(ctx, f.key); v != "" {
			fields = append(fields, zap.String(f.name, v))
		}
	}
	return fields
}

func value(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

func withID(ctx context.Context, key ctxKey, name, id string) context.Context {
	if !idPattern.MatchString(id) {
		panic(fmt.Sprintf("logging: invalid %s %q", name, id))
	}
	return context.WithValue(ctx, key, id)
}

// WithRun stores the run ID. It panics on an empty or malformed ID.
func WithRun(ctx context.Context, runID string) context.Context {
	return withID(ctx, runKey, "run id", runID)
}

// RunFromContext returns the run ID, or "".
func RunFromContext(ctx context.Context) string { return value(ctx, runKey) }

// WithStage stores the derivation stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withID(ctx, stageKey, "stage", stage)
}

// StageFromContext returns the stage, or "".
func StageFromContext(ctx context.Context) string { return value(ctx, stageKey) }

// WithUnit stores the key of the unit being derived.
func WithUnit(ctx context.Context, unit string) context.Context {
	return withID(ctx, unitKey, "unit", unit)
}

// UnitFromContext returns the unit key, or "".
func UnitFromContext(ctx context.Context) string { return value(ctx, unitKey) }
