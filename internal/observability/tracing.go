package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/upb/ticket-enhancer"

// Propagator is the W3C trace-context propagator used for queue envelopes
var Propagator propagation.TextMapPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// InitTracing installs the global propagator. Exporters are configured by the
// deployment through the OpenTelemetry SDK environment, outside this process.
func InitTracing() {
	otel.SetTextMapPropagator(Propagator)
}

// Tracer returns the pipeline tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InjectCarrier serializes the span context of ctx into a map for the queue wire format
func InjectCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	Propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractCarrier returns ctx carrying the remote span context found in carrier
func ExtractCarrier(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return Propagator.Extract(ctx, propagation.MapCarrier(carrier))
}
