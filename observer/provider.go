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

// ObservedProvider wraps a colloquy.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner colloquy.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces and
// metrics for every chat call.
func WrapProvider(inner colloquy.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req colloquy.ChatRequest) (colloquy.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)
	o.record(ctx, span, "chat", start, resp.Usage, err)
	return resp, err
}

func (o *ObservedProvider) ChatWithTools(ctx context.Context, req colloquy.ChatRequest, tools []colloquy.ToolDefinition) (colloquy.ChatResponse, error) {
	toolNames := make([]string, len(tools))
	for i, t := range tools {
		toolNames[i] = t.Name
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_with_tools", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(tools)),
		AttrToolNames.StringSlice(toolNames),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.ChatWithTools(ctx, req, tools)
	o.record(ctx, span, "chat_with_tools", start, resp.Usage, err)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, method string, start time.Time, usage colloquy.Usage, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
	)

	provider := AttrLLMProvider.String(o.inner.Name())
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		provider, attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		provider, attribute.String("direction", "output"),
	))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		provider, AttrLLMMethod.String(method), attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		provider, AttrLLMMethod.String(method),
	))
}

var _ colloquy.Provider = (*ObservedProvider)(nil)
