package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTracerName is the instrumentation name used when none is given.
const DefaultTracerName = "github.com/vango-dev/ordersync"

// Attribute keys shared by client and server spans.
const (
	AttrOrderID      = attribute.Key("ordersync.order_id")
	AttrStatus       = attribute.Key("ordersync.status")
	AttrUserID       = attribute.Key("ordersync.user_id")
	AttrRole         = attribute.Key("ordersync.role")
	AttrEvent        = attribute.Key("ordersync.event")
	AttrConnectionID = attribute.Key("ordersync.connection_id")
	AttrNotified     = attribute.Key("ordersync.notified")
	AttrRecipients   = attribute.Key("ordersync.recipients")
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer named name from provider. An empty name uses
// DefaultTracerName; a nil provider uses the global provider.
func NewTracer(name string, provider trace.TracerProvider) *Tracer {
	if name == "" {
		name = DefaultTracerName
	}
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(name)}
}

// Start starts a span. A nil Tracer falls back to the global provider.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := otel.Tracer(DefaultTracerName)
	if t != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, sets the status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Inject writes the trace context of ctx into an outgoing request header.
func Inject(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}
