// Package telemetry provides OpenTelemetry observability for Wrangler
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Wrangler
var tracer = otel.Tracer("wrangler")

// Span names for Wrangler operations
const (
	// Loop spans
	SpanRun       = "wrangler.run"
	SpanIteration = "wrangler.iteration"
	SpanPlan      = "wrangler.iteration.plan"
	SpanEvaluate  = "wrangler.iteration.evaluate"

	// Worktree spans
	SpanWorktreeCreate  = "wrangler.worktree.create"
	SpanWorktreeCleanup = "wrangler.worktree.cleanup"

	// Dispatch spans
	SpanDispatch   = "wrangler.dispatch"
	SpanTaskInvoke = "wrangler.task.invoke"

	// Agent spans
	SpanAgentExecute = "wrangler.agent.execute"

	// Git spans
	SpanGitMerge   = "wrangler.git.merge"
	SpanGitResolve = "wrangler.git.resolve"
)

// StartRunSpan starts the root span for a run
func StartRunSpan(ctx context.Context, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyRunID, runID))
	return tracer.Start(ctx, SpanRun, trace.WithAttributes(attrs...))
}

// StartIterationSpan starts a span for one iteration or one of its phases
func StartIterationSpan(ctx context.Context, name string, number int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int(KeyIteration, number))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts a span for a task operation with task attributes
func StartTaskSpan(ctx context.Context, name string, taskAttrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(taskAttrs...))
}

// StartAgentSpan starts a span for agent execution
func StartAgentSpan(ctx context.Context, agentType, role string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyAgentType, agentType),
		attribute.String(KeyAgentRole, role),
	)
	return tracer.Start(ctx, SpanAgentExecute, trace.WithAttributes(attrs...))
}

// StartWorktreeSpan starts a span for worktree operations
func StartWorktreeSpan(ctx context.Context, name, worktreePath string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorktreePath, worktreePath))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartMergeSpan starts a span for merging one task branch
func StartMergeSpan(ctx context.Context, name, branch, target string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(KeyBranch, branch),
		attribute.String(KeyTargetBranch, target),
	))
}

// RecordError records an error on a span with optional error type/category
func RecordError(span trace.Span, err error, errorType, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", errorType),
	}

	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetTaskStatus sets the task status as a span attribute
func SetTaskStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyTaskState, status))
}

// SetLoopState records the loop state reached at the end of an iteration
func SetLoopState(span trace.Span, state string) {
	span.SetAttributes(attribute.String(KeyLoopState, state))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
