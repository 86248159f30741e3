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

// ObservedEmbedding wraps a colloquy.EmbeddingProvider with OTEL
// instrumentation.
type ObservedEmbedding struct {
	inner colloquy.EmbeddingProvider
	inst  *Instruments
}

// WrapEmbedding returns an instrumented embedding provider.
func WrapEmbedding(inner colloquy.EmbeddingProvider, inst *Instruments) *ObservedEmbedding {
	return &ObservedEmbedding{inner: inner, inst: inst}
}

func (o *ObservedEmbedding) Name() string    { return o.inner.Name() }
func (o *ObservedEmbedding) Dimensions() int { return o.inner.Dimensions() }

func (o *ObservedEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrEmbedTextCount.Int(len(texts)),
		AttrEmbedDimensions.Int(o.inner.Dimensions()),
	))
	defer span.End()
	start := time.Now()

	vectors, err := o.inner.Embed(ctx, texts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	provider := AttrLLMProvider.String(o.inner.Name())
	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		provider, attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(provider))
	return vectors, err
}

var _ colloquy.EmbeddingProvider = (*ObservedEmbedding)(nil)
