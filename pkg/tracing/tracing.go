package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "minutes"

const (
	AttrMeetingID  = "meeting_id"
	AttrStage      = "stage"
	AttrCapability = "capability"
	AttrModel      = "model"
	AttrChunk      = "chunk"
	AttrAttempts   = "attempts"
)

type Tracer struct {
	tracer trace.Tracer
}

func New() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// StartStageSpan starts a span around one pipeline stage of a meeting.
func (t *Tracer) StartStageSpan(ctx context.Context, meetingID, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "minutes.stage."+stage,
		trace.WithAttributes(
			attribute.String(AttrMeetingID, meetingID),
			attribute.String(AttrStage, stage),
		),
	)
}

// StartCapabilitySpan starts a span around a call to an external engine.
func (t *Tracer) StartCapabilitySpan(ctx context.Context, capability, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "minutes.capability."+capability,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrCapability, capability),
			attribute.String(AttrModel, model),
		),
	)
}

// End closes span, marking it failed when err is set.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
