package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/colloquy-ai/colloquy"
)

// ObservedTools wraps a colloquy.ToolExecutor with OTEL instrumentation.
type ObservedTools struct {
	inner colloquy.ToolExecutor
	inst  *Instruments
}

// WrapTools returns an instrumented tool executor.
func WrapTools(inner colloquy.ToolExecutor, inst *Instruments) *ObservedTools {
	return &ObservedTools{inner: inner, inst: inst}
}

func (o *ObservedTools) Execute(ctx context.Context, name string, args map[string]any) (colloquy.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Status == "error" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Stdout)),
	)
	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name), attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))
	return result, err
}

var _ colloquy.ToolExecutor = (*ObservedTools)(nil)
