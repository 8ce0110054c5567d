package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gateway"

// StartGitSyncSpan starts a span covering one dispatch of a sync operation.
func StartGitSyncSpan(ctx context.Context, opID, repositoryID, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "git_sync.dispatch",
		trace.WithAttributes(
			attribute.String("git_sync.op_id", opID),
			attribute.String("git_sync.repository_id", repositoryID),
			attribute.String("git_sync.operation", operation),
		),
	)
}

// StartDCGEvaluateSpan starts a span covering one command evaluation.
func StartDCGEvaluateSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dcg.evaluate")
}

// StartRotateSpan starts a span covering one CAAM pool rotation.
func StartRotateSpan(ctx context.Context, workspaceID, provider, reason string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "caam.rotate",
		trace.WithAttributes(
			attribute.String("caam.workspace_id", workspaceID),
			attribute.String("caam.provider", provider),
			attribute.String("caam.reason", reason),
		),
	)
}
