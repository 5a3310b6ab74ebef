package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/SATYAM-KS/ClockTower"

// Span and log attribute keys for the monitored subject.
const (
	AttrDevice = "redzone.device_id"
	AttrUser   = "redzone.user_id"
)

// Subject identifies the device, and the user holding it, that a unit of
// work is done for.
type Subject struct {
	DeviceID string
	UserID   string
}

type subjectKey struct{}

// WithSubject tags ctx with s. Spans started through [StartSpan] and loggers
// returned by [Logger] carry the tag.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFrom returns the subject ctx was tagged with.
func SubjectFrom(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok
}

// Tracer returns the server's [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries a [Subject] the span
// gets its device and user attributes. The caller must End the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s, ok := SubjectFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(subjectAttrs(s)...))
	}
	return Tracer().Start(ctx, name, opts...)
}

func subjectAttrs(s Subject) []attribute.KeyValue {
	var kv []attribute.KeyValue
	if s.DeviceID != "" {
		kv = append(kv, attribute.String(AttrDevice, s.DeviceID))
	}
	if s.UserID != "" {
		kv = append(kv, attribute.String(AttrUser, s.UserID))
	}
	return kv
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and span ids
// and the [Subject] found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if s, ok := SubjectFrom(ctx); ok {
		if s.DeviceID != "" {
			attrs = append(attrs, slog.String("device", s.DeviceID))
		}
		if s.UserID != "" {
			attrs = append(attrs, slog.String("user_id", s.UserID))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
