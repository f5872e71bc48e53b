package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rowsync"

// OTel adapts the neutral backend onto an OpenTelemetry tracer provider.
// Events and exceptions attach to the span carried by the context; with no
// recording span they are dropped, matching trace semantics.
type OTel struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewOTel wraps an SDK tracer provider. The provider's exporters and span
// processors decide where the data goes.
func NewOTel(provider *sdktrace.TracerProvider) *OTel {
	return &OTel{provider: provider, tracer: provider.Tracer(tracerName)}
}

func (o *OTel) EventLog(ctx context.Context, event string, attrs map[string]any) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(event, trace.WithAttributes(otelAttrs(attrs)...))
}

// Counter is a no-op on the trace backend; a metrics pipeline is the
// embedding application's concern.
func (o *OTel) Counter(string, int64, map[string]any) {}

func (o *OTel) Distribution(string, float64, map[string]any) {}

func (o *OTel) CaptureException(ctx context.Context, err error, attrs map[string]any) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTel) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := o.tracer.Start(ctx, name)
	return spanCtx, otelSpan{span: span}
}

func (o *OTel) Close() error {
	return o.provider.Shutdown(context.Background())
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	s.span.End()
}

func otelAttrs(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}
