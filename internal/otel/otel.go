package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/deferstream/internal/eventbus"
	events "github.com/hanpama/deferstream/internal/events"
	reqid "github.com/hanpama/deferstream/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup configures OpenTelemetry and attaches subscribers to b.
// If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, b *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(b, otel.Tracer("deferstream"))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach opens one span per subscription and one child span per gRPC stream
// call on tracer, driven by events published on b. Frames, filters and source
// cancellations are recorded as span events.
func Attach(b *eventbus.Bus, tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register(b)
}

type streamKey struct {
	rid    int64
	stream uint64
}

type subscriber struct {
	tracer    trace.Tracer
	subSpans  sync.Map // rid -> trace.Span
	grpcSpans sync.Map // streamKey -> trace.Span
}

func (s *subscriber) subscription(ctx context.Context) (trace.Span, bool) {
	rid, _ := reqid.FromContext(ctx)
	v, ok := s.subSpans.Load(rid)
	if !ok {
		return nil, false
	}
	return v.(trace.Span), true
}

func (s *subscriber) register(b *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.On(b, func(ctx context.Context, e events.SubscriptionStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "incremental.subscription")
			span.SetAttributes(
				attribute.Int64("session.id", rid),
				attribute.Int("incremental.pending", e.Pending),
			)
			s.subSpans.Store(rid, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.FrameEmitted) {
			span, ok := s.subscription(ctx)
			if !ok {
				return
			}
			span.AddEvent("frame", trace.WithAttributes(
				attribute.Int("incremental.records", e.Records),
				attribute.Int("incremental.drained", e.Drained),
				attribute.Bool("incremental.has_next", e.HasNext),
			))
		}),

		eventbus.On(b, func(ctx context.Context, e events.BranchFiltered) {
			span, ok := s.subscription(ctx)
			if !ok {
				return
			}
			span.AddEvent("filter", trace.WithAttributes(
				attribute.String("incremental.null_path", e.NullPath.String()),
				attribute.Int("incremental.removed", e.Removed),
				attribute.Int("incremental.sources", e.Sources),
			))
		}),

		eventbus.On(b, func(ctx context.Context, e events.SourceCancelled) {
			span, ok := s.subscription(ctx)
			if !ok {
				return
			}
			attrs := []attribute.KeyValue{attribute.String("incremental.path", e.Path.String())}
			if e.Err != nil {
				attrs = append(attrs, attribute.String("error", e.Err.Error()))
			}
			span.AddEvent("source.cancelled", trace.WithAttributes(attrs...))
		}),

		eventbus.On(b, func(ctx context.Context, e events.SubscriptionFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.subSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				attribute.Int("incremental.frames", e.Frames),
				attribute.Int("incremental.cancelled", e.Cancelled),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.On(b, func(ctx context.Context, e events.GRPCStreamOpen) {
			rid, _ := reqid.FromContext(ctx)
			parent := ctx
			if v, ok := s.subSpans.Load(rid); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "grpc.stream")
			span.SetAttributes(semconv.RPCMethodKey.String(e.Method))
			s.grpcSpans.Store(streamKey{rid, e.Stream}, span)
		}),

		eventbus.On(b, func(ctx context.Context, e events.GRPCStreamClose) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.grpcSpans.LoadAndDelete(streamKey{rid, e.Stream})
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				attribute.String("grpc.code", e.Code.String()),
				attribute.Int("grpc.items", e.Items),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
			}
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
