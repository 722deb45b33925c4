package otel

import (
	"context"
	"strconv"
	"sync"

	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	reqid "github.com/hanpama/brokerql/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
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

	unsubscribe := Register(eventbus.Current(), tp.Tracer("brokerql"))
	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span producers for gateway events on bus.
func Register(bus *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer      trace.Tracer
	httpSpans   sync.Map // rid -> trace.Span
	gqlSpans    sync.Map // rid -> trace.Span
	callSpans   sync.Map // call id -> trace.Span
	grpcSpans   sync.Map // rid -> trace.Span
	schemaSpans sync.Map // attempt -> trace.Span
}

// parent returns ctx carrying the innermost open span of the request.
func (s *subscriber) parent(ctx context.Context) context.Context {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return ctx
	}
	if v, ok := s.gqlSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func endSpan(m *sync.Map, key any, err error, attrs ...attribute.KeyValue) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	var subs []func()
	add := func(unsubscribe func()) { subs = append(subs, unsubscribe) }

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Method),
			attribute.String("http.target", e.Path),
		)
		s.httpSpans.Store(rid, span)
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		endSpan(&s.httpSpans, rid, nil, semconv.HTTPStatusCodeKey.Int(e.Status))
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GraphQLStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx), "graphql.operation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.gqlSpans.Store(rid, span)
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GraphQLFinish) {
		rid, _ := reqid.FromContext(ctx)
		endSpan(&s.gqlSpans, rid, nil, attribute.Int("graphql.error_count", len(e.Errors)))
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.BrokerCallStart) {
		_, span := s.tracer.Start(s.parent(ctx), "broker.call", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			attribute.String("broker.action", e.Action),
			attribute.String("broker.transport", e.Transport),
		)
		s.callSpans.Store(e.ID, span)
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.BrokerCallFinish) {
		endSpan(&s.callSpans, e.ID, e.Err)
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GRPCClientStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(s.parent(ctx), "grpc.client", trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
		)
		s.grpcSpans.Store(rid+"/"+e.Target, span)
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GRPCClientFinish) {
		rid, _ := reqid.FromContext(ctx)
		endSpan(&s.grpcSpans, rid+"/"+e.Target, e.Err, attribute.String("grpc.code", e.Code.String()))
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.SchemaRebuildStart) {
		_, span := s.tracer.Start(s.parent(ctx), "federation.rebuild")
		span.SetAttributes(attribute.String("federation.attempt", strconv.FormatUint(e.Attempt, 10)))
		s.schemaSpans.Store(e.Attempt, span)
	}))

	add(eventbus.SubscribeTo(bus, func(ctx context.Context, e events.SchemaRebuildFinish) {
		endSpan(&s.schemaSpans, e.Attempt, e.Err, attribute.StringSlice("federation.services", e.Services))
	}))

	return func() {
		for _, unsubscribe := range subs {
			unsubscribe()
		}
	}
}
