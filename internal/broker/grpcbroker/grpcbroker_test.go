package grpcbroker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	broker "github.com/hanpama/brokerql/internal/broker"
	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

const bufSize = 1024 * 1024

// serve starts a gRPC node serving the actions of a local broker and returns
// a client broker dialing it.
func serve(t *testing.T, defs ...broker.ServiceDefinition) *Broker {
	t.Helper()
	local := broker.NewLocal()
	for _, def := range defs {
		local.AddService(context.Background(), def)
	}

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	Register(gs, local)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	b := New(nil,
		WithProvider(NewStaticEndpoints(map[string][]string{Wildcard: {"bufnet"}})),
		WithDialOptions(
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		),
	)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func postsService() broker.ServiceDefinition {
	return broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: "posts", Version: "2"},
		Handlers: map[string]broker.ActionHandler{
			"get": func(_ context.Context, req *broker.Request) (any, error) {
				return map[string]any{"id": req.Params["id"], "title": "Hello"}, nil
			},
			"meta": func(ctx context.Context, req *broker.Request) (any, error) {
				rid, _ := reqid.FromContext(ctx)
				return map[string]any{"user": req.Meta["user"], "rid": rid}, nil
			},
			"fail": func(context.Context, *broker.Request) (any, error) {
				return nil, errors.New("boom")
			},
			"validate": func(_ context.Context, req *broker.Request) (any, error) {
				return nil, &broker.ValidationError{Action: req.Action, Field: "id", Message: "required"}
			},
		},
	}
}

func TestCall(t *testing.T) {
	b := serve(t, postsService())

	res, err := b.Call(context.Background(), "v2.posts.get", map[string]any{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(7), "title": "Hello"}, res)
}

func TestCallForwardsMetaAndRequestID(t *testing.T) {
	b := serve(t, postsService())

	ctx := reqid.WithID(context.Background(), "rid-9")
	ctx = broker.WithMeta(ctx, map[string]any{"user": "u1"})
	res, err := b.Call(ctx, "v2.posts.meta", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "u1", "rid": "rid-9"}, res)
}

func TestRemoteErrors(t *testing.T) {
	b := serve(t, postsService())
	ctx := context.Background()

	_, err := b.Call(ctx, "v2.posts.fail", nil)
	var re *broker.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, broker.CodeActionFailed, re.Code)
	assert.Equal(t, "boom", re.Message)

	_, err = b.Call(ctx, "v2.posts.validate", nil)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, broker.CodeInvalidParams, re.Code)

	_, err = b.Call(ctx, "v2.posts.missing", nil)
	assert.ErrorIs(t, err, broker.ErrActionNotFound)
	_, err = b.Call(ctx, "users.get", nil)
	assert.ErrorIs(t, err, broker.ErrServiceNotFound)
	_, err = b.Call(ctx, "nodot", nil)
	assert.ErrorIs(t, err, broker.ErrInvalidAction)
}

func TestCallPublishesEvents(t *testing.T) {
	b := serve(t, postsService())

	bus := eventbus.New()
	eventbus.Use(bus)
	t.Cleanup(func() { eventbus.Use(nil) })

	// The serving node publishes its own "local" call events on the same bus.
	var start events.BrokerCallStart
	var finish events.BrokerCallFinish
	var rpc events.GRPCClientFinish
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.BrokerCallStart) {
		if e.Transport == "grpc" {
			start = e
		}
	})
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.BrokerCallFinish) {
		if e.Transport == "grpc" {
			finish = e
		}
	})
	eventbus.SubscribeTo(bus, func(_ context.Context, e events.GRPCClientFinish) { rpc = e })

	_, err := b.Call(context.Background(), "v2.posts.fail", nil)
	require.Error(t, err)

	assert.Equal(t, "grpc", start.Transport)
	assert.Equal(t, "v2.posts.fail", finish.Action)
	assert.Equal(t, start.ID, finish.ID)
	assert.Error(t, finish.Err)
	assert.Equal(t, "fail", rpc.Method)
	assert.NoError(t, rpc.Err)
}

func TestNoEndpoints(t *testing.T) {
	b := New(nil, WithProvider(NewStaticEndpoints(map[string][]string{"posts": {"bufnet"}})))
	defer b.Close()

	_, err := b.Call(context.Background(), "users.get", nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)

	_, err = New(nil).Call(context.Background(), "users.get", nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestClosed(t *testing.T) {
	b := serve(t, postsService())
	require.NoError(t, b.Close())
	_, err := b.Call(context.Background(), "v2.posts.get", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultTimeout(t *testing.T) {
	slow := broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: "slow"},
		Handlers: map[string]broker.ActionHandler{
			"wait": func(ctx context.Context, _ *broker.Request) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	b := serve(t, slow)
	b.opts.RPCTimeout = 50 * time.Millisecond

	_, err := b.Call(context.Background(), "slow.wait", nil)
	require.Error(t, err)
	var re *broker.RemoteError
	assert.False(t, errors.As(err, &re), "a deadline is a transport failure")
}

func TestServicesAndEvents(t *testing.T) {
	desc := broker.ServiceDescriptor{Name: "posts", GraphQL: true}
	b := New([]broker.ServiceDescriptor{desc})
	defer b.Close()

	got, err := b.Services(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []broker.ServiceDescriptor{desc}, got)

	changed := 0
	unsubscribe := b.On(broker.EventServicesChanged, func(ctx context.Context, _ any) {
		changed++
		_, ok := broker.CallerFromContext(ctx)
		assert.True(t, ok)
	})
	b.SetServices(context.Background(), nil)
	assert.Equal(t, 1, changed)

	got, err = b.Services(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	unsubscribe()
	b.SetServices(context.Background(), []broker.ServiceDescriptor{desc})
	assert.Equal(t, 1, changed)
}
