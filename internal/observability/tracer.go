package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/vhostuser/internal/logging"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Logger returns the operational logger annotated with the active
// span's trace and span IDs, so transport logs correlate with traces
// without callers threading the IDs by hand. With no valid span in
// ctx (tracing disabled, or outside instrumentation) it is the plain
// operational logger.
func Logger(ctx context.Context) *slog.Logger {
	l := logging.Op()
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return l
	}
	return l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for vhost-user transport spans
var (
	AttrEndpointPath = attribute.Key("vhostuser.endpoint.path")
	AttrConnectionID = attribute.Key("vhostuser.connection.id")
	AttrRequestCode  = attribute.Key("vhostuser.request.code")
	AttrNeedReply    = attribute.Key("vhostuser.need_reply")
	AttrDurationMs   = attribute.Key("vhostuser.duration_ms")
	AttrRegionCount  = attribute.Key("vhostuser.mem.region_count")
)
