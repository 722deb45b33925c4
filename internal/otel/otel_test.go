package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

func TestSpansFollowRequestEvents(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	unsubscribe := Register(bus, tp.Tracer("test"))
	defer unsubscribe()

	ctx, _ := reqid.NewContext(context.Background())
	eventbus.PublishTo(ctx, bus, events.HTTPStart{Method: "POST", Path: "/graphql"})
	eventbus.PublishTo(ctx, bus, events.GraphQLStart{OperationName: "Q", OperationType: "query"})
	eventbus.PublishTo(ctx, bus, events.BrokerCallStart{ID: "c1", Action: "pim.graphql", Transport: "local"})
	eventbus.PublishTo(ctx, bus, events.BrokerCallFinish{ID: "c1", Action: "pim.graphql", Err: errors.New("boom")})
	eventbus.PublishTo(ctx, bus, events.GraphQLFinish{OperationName: "Q"})
	eventbus.PublishTo(ctx, bus, events.HTTPFinish{Method: "POST", Path: "/graphql", Status: 200})

	spans := rec.Ended()
	require.Len(t, spans, 3)
	call, op, req := spans[0], spans[1], spans[2]
	assert.Equal(t, "broker.call", call.Name())
	assert.Equal(t, "graphql.operation", op.Name())
	assert.Equal(t, "http.request", req.Name())

	assert.Equal(t, op.SpanContext().SpanID(), call.Parent().SpanID())
	assert.Equal(t, req.SpanContext().SpanID(), op.Parent().SpanID())
	require.Len(t, call.Events(), 1, "error recorded on the call span")
}

func TestRebuildSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	defer Register(bus, tp.Tracer("test"))()

	eventbus.PublishTo(context.Background(), bus, events.SchemaRebuildStart{Attempt: 1})
	eventbus.PublishTo(context.Background(), bus, events.SchemaRebuildFinish{Attempt: 2})
	assert.Empty(t, rec.Ended(), "finish for another attempt")

	eventbus.PublishTo(context.Background(), bus, events.SchemaRebuildFinish{Attempt: 1, Services: []string{"pim"}})
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "federation.rebuild", rec.Ended()[0].Name())
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup("", "gw")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
