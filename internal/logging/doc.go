// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with a custom Trace level, dual output (stderr plus an
// optional OTEL bridge), secret redaction and automatic context fields:
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithArtifact(ctx, "snake")
//	ctx = logging.WithRevision(ctx, 2)
//	logger.Info(ctx, "evaluation complete", zap.Bool("runnable", true))
//
// emits run.id, artifact.name and artifact.revision alongside trace_id and
// span_id when a span is active. Errors are never sampled.
package logging
