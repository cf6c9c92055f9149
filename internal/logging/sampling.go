package logging

import (
	"math"

	"go.uber.org/zap/zapcore"
)

// newSampledCore samples entries below ErrorLevel. Errors bypass the
// sampler.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errors := &levelRange{Core: core, min: zapcore.ErrorLevel, max: math.MaxInt8}
	rest := &levelRange{Core: core, min: math.MinInt8, max: zapcore.WarnLevel}
	sampled := zapcore.NewSamplerWithOptions(rest, cfg.Tick.Duration(), cfg.Initial, cfg.Thereafter)
	return zapcore.NewTee(errors, sampled)
}

// levelRange passes entries with min <= level <= max.
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRange) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if e.Level < c.min || e.Level > c.max {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRange) With(fields []zapcore.Field) zapcore.Core {
	return &levelRange{Core: c.Core.With(fields), min: c.min, max: c.max}
}
