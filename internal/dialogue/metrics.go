package dialogue

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-dialogue/internal/dialogue"

type instruments struct {
	tracer      trace.Tracer
	synthesized metric.Int64Counter
	failed      metric.Int64Counter
	segmentTime metric.Float64Histogram
	jobTime     metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if inst.synthesized, err = meter.Int64Counter("dialogue.segments.synthesized",
		metric.WithDescription("Segments synthesized successfully")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "dialogue.segments.synthesized"), slog.String("error", err.Error()))
	}
	if inst.failed, err = meter.Int64Counter("dialogue.segments.failed",
		metric.WithDescription("Segments whose synthesis failed")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "dialogue.segments.failed"), slog.String("error", err.Error()))
	}
	if inst.segmentTime, err = meter.Float64Histogram("dialogue.segment.duration",
		metric.WithUnit("s"), metric.WithDescription("Time spent synthesizing one segment")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "dialogue.segment.duration"), slog.String("error", err.Error()))
	}
	if inst.jobTime, err = meter.Float64Histogram("dialogue.generation.duration",
		metric.WithUnit("s"), metric.WithDescription("Wall-clock time of a render")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "dialogue.generation.duration"), slog.String("error", err.Error()))
	}
	return inst
}

func (i *instruments) segment(ctx context.Context, method string, ok bool, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("method", method))
	if ok && i.synthesized != nil {
		i.synthesized.Add(ctx, 1, attrs)
	}
	if !ok && i.failed != nil {
		i.failed.Add(ctx, 1, attrs)
	}
	if i.segmentTime != nil {
		i.segmentTime.Record(ctx, seconds, attrs)
	}
}

func (i *instruments) job(ctx context.Context, method string, status Status, seconds float64) {
	if i.jobTime != nil {
		i.jobTime.Record(ctx, seconds, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", string(status)),
		))
	}
}
