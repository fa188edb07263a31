package stepflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for stepflow tracing.
const tracerName = "github.com/deepnoodle-ai/stepflow"

// Span names emitted by the runtime.
const (
	SpanRun       = "stepflow.run"
	SpanSuperstep = "stepflow.superstep"
	SpanExecutor  = "stepflow.executor"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startRunSpan(ctx context.Context, tracer trace.Tracer, r *run) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanRun,
		trace.WithAttributes(
			attribute.String("stepflow.run.id", r.id),
			attribute.String("stepflow.run.parent_id", r.parentID),
			attribute.String("stepflow.workflow", r.cfg.workflow.Name()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func startSuperstepSpan(ctx context.Context, tracer trace.Tracer, runID string, superstep, tasks int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanSuperstep,
		trace.WithAttributes(
			attribute.String("stepflow.run.id", runID),
			attribute.Int("stepflow.superstep", superstep),
			attribute.Int("stepflow.superstep.tasks", tasks),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func startExecutorSpan(ctx context.Context, tracer trace.Tracer, runID, executorID string, superstep int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanExecutor,
		trace.WithAttributes(
			attribute.String("stepflow.run.id", runID),
			attribute.String("stepflow.executor.id", executorID),
			attribute.Int("stepflow.superstep", superstep),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// endSpan records err on the span, if any, and ends it.
func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
