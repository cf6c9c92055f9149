// Package telemetry exports ontoledger traces and metrics over OTLP.
//
// Each derivation the incremental controller performs is a span, and the
// controller counts fresh, generated and failed units per stage. The zap
// logger can be bridged to the same collector. Telemetry is off unless
// telemetry.enabled is set; the no-op globals are used then, and also for
// any provider whose exporter failed to build:
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.WithoutCancel(ctx))
//	if tel.Degraded() {
//	    logger.Warn(ctx, "telemetry degraded", zap.Error(tel.Err()))
//	}
//
// The section of the configuration file looks like:
//
//	telemetry:
//	  enabled: true
//	  endpoint: localhost:4317
//	  protocol: grpc          # or http
//	  sampling:
//	    rate: 0.5
//	  metrics:
//	    export_interval: 30s
//
// NewTestTelemetry keeps spans and metric points in memory for tests.
package telemetry
