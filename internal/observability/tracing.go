package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/ordersaga/internal/config"
)

const tracerName = "github.com/pitabwire/ordersaga"

// Attribute keys shared by saga, activity and consumer spans.
var (
	AttrWorkflowID = attribute.Key("saga.workflow_id")
	AttrOrderID    = attribute.Key("saga.order_id")
	AttrStatus     = attribute.Key("saga.status")
	AttrStep       = attribute.Key("saga.step")
	AttrActivity   = attribute.Key("saga.activity")
	AttrAttempt    = attribute.Key("saga.attempt")
	AttrSignal     = attribute.Key("saga.signal")
	AttrServiceID  = attribute.Key("saga.service_id")
	AttrReplay     = attribute.Key("saga.replay")

	AttrMessagingTopic = attribute.Key("messaging.destination.name")
)

// Root span name prefixes kept by the saga sampler. Drives started by the
// timer sweeper and Kafka consumers have no inbound parent to inherit a
// sampling decision from.
var sagaRootPrefixes = []string{"saga.", "kafka."}

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned shutdown flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	install(tp)
	return tp.Shutdown, nil
}

// install makes tp the global provider and propagates W3C trace context and
// baggage.
func install(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported exporter %q, want otlp or stdout", cfg.Exporter)
}

// newSampler builds a parent-based ratio sampler; rates outside (0, 1]
// become 0.1 or 1. With AlwaysSampleSagas set, root saga and consumer spans
// are always recorded.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := min(cfg.SamplingRate, 1)
	if rate <= 0 {
		rate = 0.1
	}
	root := sdktrace.TraceIDRatioBased(rate)
	if cfg.AlwaysSampleSagas {
		root = &sagaRootSampler{delegate: root}
	}
	return sdktrace.ParentBased(root)
}

// sagaRootSampler samples root spans named after saga work and defers
// everything else to delegate. It only sees root spans: ParentBased handles
// spans with a parent.
type sagaRootSampler struct {
	delegate sdktrace.Sampler
}

func (s *sagaRootSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, prefix := range sagaRootPrefixes {
		if strings.HasPrefix(p.Name, prefix) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.delegate.ShouldSample(p)
}

func (s *sagaRootSampler) Description() string {
	return "SagaRootSampler{" + s.delegate.Description() + "}"
}

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError ends a span, marking it failed if err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "" without a span.
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// ExtractTraceContext rebuilds a remote trace context from carrier.
func ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectTraceContext writes the current trace context into carrier.
func InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// InjectTraceHeaders propagates the current trace to a collaborator call.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	InjectTraceContext(ctx, propagation.HeaderCarrier(headers))
}

// TracingMiddleware starts a server span for each request, continuing any
// inbound traceparent. Once chi has matched a route the span is renamed to
// the route pattern so span names stay bounded.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ExtractTraceContext(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		InjectTraceContext(ctx, propagation.HeaderCarrier(w.Header()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if pattern, ok := matchedRoute(ctx); ok {
			span.SetName(r.Method + " " + pattern)
			span.SetAttributes(semconv.HTTPRoute(pattern))
		}
		status := writtenStatus(ww)
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// writtenStatus is the status ww sent, counting a handler that wrote
// nothing as an implicit 200.
func writtenStatus(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
