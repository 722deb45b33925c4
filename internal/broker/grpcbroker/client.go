package grpcbroker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	broker "github.com/hanpama/brokerql/internal/broker"
	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

// Client calls broker actions on remote nodes over gRPC, with connection
// pooling and deadline propagation. It integrates with an EndpointProvider
// for service discovery.
type Client struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

func NewClient(opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Client{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

var _ broker.Caller = (*Client)(nil)

// Call invokes "<service>.<action>" on one endpoint of service.
func (c *Client) Call(ctx context.Context, action string, params map[string]any) (result any, err error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.opts.Provider == nil {
		return nil, ErrNoProvider
	}
	service, name, err := broker.SplitAction(action)
	if err != nil {
		return nil, err
	}

	// Determine deadline
	if _, ok := ctx.Deadline(); !ok {
		// apply default if provided
		if c.opts.RPCTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.RPCTimeout)
			defer cancel()
		}
	}

	// get endpoints from provider
	endpoints, err := c.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		return nil, err
	}
	// pick one with shuffle
	endpoint := endpoints[rand.Intn(len(endpoints))]

	req := &broker.Request{ID: uuid.NewString(), Action: action, Params: params, Meta: broker.MetaFromContext(ctx)}
	if rid, ok := reqid.FromContext(ctx); ok {
		req.Meta = withMeta(req.Meta, broker.MetaRequestID, rid)
	}
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	cc, err := c.getConn(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer c.returnConn(endpoint, cc)

	start := time.Now()
	eventbus.Publish(ctx, events.BrokerCallStart{ID: req.ID, Action: action, Transport: "grpc"})
	eventbus.Publish(ctx, events.GRPCClientStart{Service: ServiceName, Method: name, Target: endpoint})
	out := &structpb.Struct{}
	err = cc.Invoke(ctx, CallMethod, in, out)
	eventbus.Publish(ctx, events.GRPCClientFinish{
		Service:  ServiceName,
		Method:   name,
		Target:   endpoint,
		Code:     status.Code(err),
		Err:      err,
		Duration: time.Since(start),
	})
	if err == nil {
		result, err = decodeResponse(action, out)
	}
	eventbus.Publish(ctx, events.BrokerCallFinish{ID: req.ID, Action: action, Transport: "grpc", Err: err, Duration: time.Since(start)})
	return result, err
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.close()
	}
	c.pools = map[string]*connPool{}
	return nil
}

func withMeta(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}

// ---------------- internals ----------------

type connPool struct {
	endpoint string
	opts     *Options
	conns    chan *grpc.ClientConn
	closed   atomic.Bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		conns:    make(chan *grpc.ClientConn, n),
	}
}

func (p *connPool) get(ctx context.Context) (*grpc.ClientConn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case cc := <-p.conns:
		return cc, nil
	default:
		// create new
		cc, err := grpc.DialContext(ctx, p.endpoint, p.opts.DialOptions...)
		if err != nil {
			return nil, err
		}
		return cc, nil
	}
}

func (p *connPool) put(cc *grpc.ClientConn) {
	if cc == nil || p.closed.Load() {
		if cc != nil {
			_ = cc.Close()
		}
		return
	}
	select {
	case p.conns <- cc:
	default:
		_ = cc.Close()
	}
}

func (p *connPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.conns)
	for cc := range p.conns {
		_ = cc.Close()
	}
}

func (c *Client) getConn(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool == nil {
		c.mu.Lock()
		pool = c.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, c.opts)
			c.pools[endpoint] = pool
		}
		c.mu.Unlock()
	}
	return pool.get(ctx)
}

func (c *Client) returnConn(endpoint string, cc *grpc.ClientConn) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool != nil {
		pool.put(cc)
		return
	}
	_ = cc.Close()
}
