package productionline

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Azure/go-productionline"

const (
	RunSpanName = "productionline.run"

	AttrRunID        = "productionline.run.id"
	AttrRunSource    = "productionline.run.source"
	AttrRunOutput    = "productionline.run.output"
	AttrStepLabel    = "productionline.step.label"
	AttrStepSequence = "productionline.step.sequence"
)

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startRunSpan(ctx context.Context, tracer trace.Tracer, runID string, cfg Config) (context.Context, trace.Span) {
	return tracer.Start(ctx, RunSpanName, trace.WithAttributes(
		attribute.String(AttrRunID, runID),
		attribute.String(AttrRunSource, cfg.Source()),
		attribute.String(AttrRunOutput, cfg.Output()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	span.End()
}

// stepSpans opens one child span of the run per executing step. Steps of a
// parallel run start and end concurrently.
type stepSpans struct {
	ctx    context.Context
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[int]trace.Span
}

func newStepSpans(ctx context.Context, tracer trace.Tracer) *stepSpans {
	return &stepSpans{ctx: ctx, tracer: tracer, spans: make(map[int]trace.Span)}
}

func (ss *stepSpans) start(info *StepInfo) {
	_, span := ss.tracer.Start(ss.ctx, info.Label, trace.WithAttributes(
		attribute.String(AttrStepLabel, info.Label),
		attribute.Int(AttrStepSequence, info.Sequence),
	))

	ss.mu.Lock()
	ss.spans[info.Sequence] = span
	ss.mu.Unlock()
}

func (ss *stepSpans) end(info *StepInfo, err error) {
	ss.mu.Lock()
	span, ok := ss.spans[info.Sequence]
	delete(ss.spans, info.Sequence)
	ss.mu.Unlock()

	if ok {
		endSpan(span, err)
	}
}
