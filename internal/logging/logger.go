package logging

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/ontoledger"

// Logger is a context-aware wrapper around zap.Logger.
type Logger struct {
	base *zap.Logger
	// calls skips the log helper and the level method so the caller field
	// points at user code.
	calls *zap.Logger
}

// NewLogger builds a logger from cfg. provider may be nil, in which case
// the OTEL output is skipped.
func NewLogger(cfg *Config, provider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	core, err := newCore(cfg, provider)
	if err != nil {
		return nil, err
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	z := zap.New(core, opts...)
	if len(cfg.Fields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields = append(fields, zap.String(k, v))
		}
		z = z.With(fields...)
	}
	return Wrap(z), nil
}

func newCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	level := zapcore.Level(cfg.Level)
	var cores []zapcore.Core

	if cfg.Console {
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		out := zapcore.Lock(os.Stderr)
		if cfg.Stream == "stdout" {
			out = zapcore.Lock(os.Stdout)
		}
		cores = append(cores, zapcore.NewCore(enc, out, level))
	}
	if cfg.OTEL && provider != nil {
		bridge := otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(provider))
		cores = append(cores, &levelRange{Core: bridge, min: level, max: math.MaxInt8})
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no log output available")
	}
	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(Level(l).String())
	}
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return Wrap(zap.NewNop())
}

// Wrap adapts an existing zap.Logger, such as one from zaptest.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{base: z, calls: z.WithOptions(zap.AddCallerSkip(2))}
}

func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.calls.Check(lvl, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

// Trace logs at TraceLevel.
func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

// Debug logs at DebugLevel.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

// Info logs at InfoLevel.
func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

// Warn logs at WarnLevel.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

// Error logs at ErrorLevel.
func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return Wrap(l.base.With(fields...))
}

// Named returns a child logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger {
	return Wrap(l.base.Named(name))
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.base.Core().Enabled(level)
}

// Underlying returns the zap.Logger for packages that log without a
// context.
func (l *Logger) Underlying() *zap.Logger {
	return l.base
}

// Sync flushes buffered entries. Sync errors from terminals are ignored.
func (l *Logger) Sync() error {
	err := l.base.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
