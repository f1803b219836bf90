// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}

	if name := ArtifactFromContext(ctx); name != "" {
		fields = append(fields, zap.String("artifact.name", name))
	}

	if rev, ok := RevisionFromContext(ctx); ok {
		fields = append(fields, zap.Int("artifact.revision", rev))
	}

	return fields
}

type runCtxKey struct{}
type artifactCtxKey struct{}
type revisionCtxKey struct{}

// WithRunID tags the context with the pipeline run identifier.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run identifier.
func RunIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(runCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithArtifact tags the context with the artifact name being repaired.
func WithArtifact(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, artifactCtxKey{}, name)
}

// ArtifactFromContext extracts the artifact name.
func ArtifactFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(artifactCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithRevision tags the context with the revision index under evaluation.
func WithRevision(ctx context.Context, rev int) context.Context {
	return context.WithValue(ctx, revisionCtxKey{}, rev)
}

// RevisionFromContext extracts the revision index.
func RevisionFromContext(ctx context.Context) (int, bool) {
	rev, ok := ctx.Value(revisionCtxKey{}).(int)
	return rev, ok
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
