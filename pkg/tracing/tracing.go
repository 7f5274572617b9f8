package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "streamgate"

// Span attributes shared by the session, HTTP and signaling spans.
var (
	StreamKeyKey    = attribute.Key("stream.key")
	SubscriberIDKey = attribute.Key("subscriber.id")
	DeliveryKey     = attribute.Key("stream.delivery")
)

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	JaegerURL      string
	Environment    string
	// SampleRate applies to root spans; children follow their parent.
	SampleRate float64
}

// TracerProvider owns the exporter pipeline. The zero value is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed global tracer provider. When tracing is
// disabled the global no-op provider is left in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AddSpanAttributes annotates the span in ctx, if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ExtractHTTP returns ctx carrying any trace context propagated in h.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

func TraceWebSocketMessage(ctx context.Context, action, subscriberID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "websocket."+action,
		trace.WithAttributes(
			attribute.String("websocket.action", action),
			SubscriberIDKey.String(subscriberID),
		),
	)
}

func TraceWebRTC(ctx context.Context, operation, subscriberID, streamKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webrtc."+operation,
		trace.WithAttributes(
			SubscriberIDKey.String(subscriberID),
			StreamKeyKey.String(streamKey),
		),
	)
}

// TraceSession starts a span for a session lifecycle operation.
func TraceSession(ctx context.Context, operation, streamKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+operation,
		trace.WithAttributes(StreamKeyKey.String(streamKey)),
	)
}
