// Package logging provides the structured logger used by ontoledger.
//
// Logger wraps Zap. Every method takes a context, and the run, stage and
// unit stored in it (plus the active trace and span) are added to the
// entry:
//
//	ctx = logging.WithRun(ctx, runID)
//	ctx = logging.WithStage(ctx, "facts")
//	logger.Info(ctx, "unit generated", zap.Duration("duration", d))
//
//	{"level":"info","ts":"2025-03-14T12:00:00.000Z","msg":"unit generated",
//	 "service":"ontoledger","run.id":"3f1c2a9e-...","stage":"facts","duration":0.045}
//
// # Outputs
//
// Entries go to stderr (or stdout) and, when enabled, to an OpenTelemetry
// LoggerProvider through the otelzap bridge. The MCP server speaks JSON-RPC
// on stdout, so serve always logs to stderr.
//
// # Redaction
//
// Field names such as api_key and authorization are masked by the console
// encoder, and configured patterns (bearer tokens, sk- keys) are scrubbed
// from messages and string values. config.Secret values never render; use
// Secret or RedactedString to log that a credential is present.
//
// # Sampling
//
// Entries below error level are sampled per message per tick. Errors are
// never dropped.
//
// # Testing
//
// NewTestLogger records entries in memory:
//
//	tl := logging.NewTestLogger()
//	runner, err := pipeline.NewRunner(opts, pipeline.Deps{Logger: tl.Logger})
//	...
//	tl.AssertLogged(t, zapcore.WarnLevel, "unit failed")
package logging
