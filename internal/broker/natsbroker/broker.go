// Package natsbroker is a broker whose nodes find each other and exchange
// calls and events over NATS.
//
// Every action is served on "brokerql.call.<service>.<action>" by a queue
// group named after the service, so instances share the load. Nodes
// announce the services they serve on the registry subjects.
package natsbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	broker "github.com/hanpama/brokerql/internal/broker"
	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

var ErrClosed = errors.New("natsbroker: closed")

// Broker is a broker.Broker over a NATS connection.
type Broker struct {
	nc      *nats.Conn
	ownConn bool
	opts    *Options
	nodeID  string
	logger  logr.Logger

	mu        sync.RWMutex
	served    map[string]*served                    // full name -> local service
	remote    map[string][]broker.ServiceDescriptor // node -> services
	eventSubs map[string]*nats.Subscription
	subs      []*nats.Subscription
	closed    bool

	events broker.Listeners
}

type served struct {
	desc broker.ServiceDescriptor
	subs []*nats.Subscription
	offs []func()
}

// Connect dials url and starts a broker owning the connection.
func Connect(url string, opts ...Option) (*Broker, error) {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	nc, err := nats.Connect(url, o.NATSOptions...)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: connect %s: %w", url, err)
	}
	b, err := New(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownConn = true
	return b, nil
}

// New starts a broker on nc: it joins the registry and asks the other
// nodes to announce themselves.
func New(nc *nats.Conn, opts ...Option) (*Broker, error) {
	b := newBroker(nc, opts...)
	for subject, h := range map[string]nats.MsgHandler{
		SubjectAnnounce: b.handleAnnounce,
		SubjectLeave:    b.handleLeave,
		SubjectDiscover: b.handleDiscover,
	} {
		sub, err := nc.Subscribe(subject, h)
		if err != nil {
			b.unsubscribeAll()
			return nil, fmt.Errorf("natsbroker: subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	if err := b.publish(SubjectDiscover, nodeInfo{Node: b.nodeID}); err != nil {
		b.unsubscribeAll()
		return nil, err
	}
	return b, nil
}

func newBroker(nc *nats.Conn, opts ...Option) *Broker {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if o.NodeID == "" {
		o.NodeID = "nats-" + uuid.NewString()[:8]
	}
	return &Broker{
		nc:        nc,
		opts:      o,
		nodeID:    o.NodeID,
		logger:    o.Logger.WithValues("node", o.NodeID),
		served:    make(map[string]*served),
		remote:    make(map[string][]broker.ServiceDescriptor),
		eventSubs: make(map[string]*nats.Subscription),
	}
}

// NodeID identifies this node in the registry.
func (b *Broker) NodeID() string { return b.nodeID }

// Call sends action to one instance of its service.
func (b *Broker) Call(ctx context.Context, action string, params map[string]any) (result any, err error) {
	service, _, err := broker.SplitAction(action)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}

	env := requestEnvelope{ID: uuid.NewString(), Params: params, Meta: broker.MetaFromContext(ctx)}
	if rid, ok := reqid.FromContext(ctx); ok {
		meta := make(map[string]any, len(env.Meta)+1)
		for k, v := range env.Meta {
			meta[k] = v
		}
		meta[broker.MetaRequestID] = rid
		env.Meta = meta
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: encode params of %s: %w", action, err)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.BrokerCallStart{ID: env.ID, Action: action, Transport: "nats"})
	defer func() {
		eventbus.Publish(ctx, events.BrokerCallFinish{
			ID: env.ID, Action: action, Transport: "nats", Err: err, Duration: time.Since(start),
		})
	}()

	msg, err := b.nc.RequestWithContext(ctx, callSubject(action), data)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, fmt.Errorf("%w: %s", broker.ErrServiceNotFound, service)
	}
	if err != nil {
		return nil, fmt.Errorf("natsbroker: call %s: %w", action, err)
	}
	return decodeResponse(action, msg.Data)
}

// Serve exposes def on the bus and announces it. The returned function
// stops serving it.
func (b *Broker) Serve(ctx context.Context, def broker.ServiceDefinition) (stop func(), err error) {
	name := def.FullName()
	desc := def.ServiceDescriptor
	desc.NodeID = b.nodeID
	desc.Actions = desc.Actions[:0:0]
	s := &served{}
	for action, h := range def.Handlers {
		full := name + "." + action
		desc.Actions = append(desc.Actions, full)
		sub, err := b.nc.QueueSubscribe(callSubject(full), name, b.handleCall(full, h))
		if err != nil {
			for _, sub := range s.subs {
				_ = sub.Unsubscribe()
			}
			return nil, fmt.Errorf("natsbroker: serve %s: %w", full, err)
		}
		s.subs = append(s.subs, sub)
	}
	sort.Strings(desc.Actions)
	s.desc = desc
	for event, h := range def.Events {
		s.offs = append(s.offs, b.On(event, h))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		return nil, ErrClosed
	}
	if prev := b.served[name]; prev != nil {
		prev.stop()
	}
	b.served[name] = s
	b.mu.Unlock()

	b.logger.V(1).Info("serving service", "service", name, "actions", len(desc.Actions))
	b.announce()
	b.events.Emit(broker.WithCaller(ctx, b), broker.EventServicesChanged, nil)

	return func() {
		b.mu.Lock()
		cur := b.served[name]
		if cur == s {
			delete(b.served, name)
		}
		b.mu.Unlock()
		if cur != s {
			return
		}
		s.stop()
		b.announce()
		b.events.Emit(broker.WithCaller(ctx, b), broker.EventServicesChanged, nil)
	}, nil
}

// AddService serves def and logs a failure instead of returning it.
func (b *Broker) AddService(ctx context.Context, def broker.ServiceDefinition) (remove func()) {
	stop, err := b.Serve(ctx, def)
	if err != nil {
		b.logger.Error(err, "failed to serve service", "service", def.FullName())
		return func() {}
	}
	return stop
}

func (s *served) stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	for _, off := range s.offs {
		off()
	}
}

func (b *Broker) handleCall(action string, h broker.ActionHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		go func() {
			var env requestEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				_ = msg.Respond(encodeResponse(nil, fmt.Errorf("natsbroker: decode request: %w", err)))
				return
			}
			ctx := context.Background()
			if b.opts.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
				defer cancel()
			}
			req := &broker.Request{ID: env.ID, Action: action, Params: env.Params, Meta: env.Meta}
			res, err := broker.Invoke(broker.WithCaller(ctx, b), "nats", h, req)
			if err := msg.Respond(encodeResponse(res, err)); err != nil {
				b.logger.Error(err, "failed to respond", "action", action)
			}
		}()
	}
}

// Services returns the services served by any node, one descriptor per
// full name, ordered by name.
func (b *Broker) Services(context.Context) ([]broker.ServiceDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := map[string]bool{}
	var out []broker.ServiceDescriptor
	add := func(d broker.ServiceDescriptor) {
		if !seen[d.FullName()] {
			seen[d.FullName()] = true
			out = append(out, d)
		}
	}
	for _, s := range b.served {
		add(s.desc)
	}
	nodes := make([]string, 0, len(b.remote))
	for node := range b.remote {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		for _, d := range b.remote[node] {
			add(d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

// Broadcast publishes payload to the listeners of event on every node,
// this one included.
func (b *Broker) Broadcast(_ context.Context, event string, payload any) error {
	return b.publish(eventSubject(event), eventEnvelope{Node: b.nodeID, Payload: payload})
}

// On registers h for event. The first listener of an event subscribes this
// node to it.
func (b *Broker) On(event string, h broker.EventHandler) (unsubscribe func()) {
	off := b.events.On(event, h)
	if event == broker.EventServicesChanged || b.nc == nil {
		return off
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.eventSubs[event]; !ok && !b.closed {
		sub, err := b.nc.Subscribe(eventSubject(event), func(msg *nats.Msg) {
			var env eventEnvelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				b.logger.Error(err, "dropping malformed event", "event", event)
				return
			}
			b.events.Emit(broker.WithCaller(context.Background(), b), event, env.Payload)
		})
		if err != nil {
			b.logger.Error(err, "failed to subscribe", "event", event)
			return off
		}
		b.eventSubs[event] = sub
	}
	return off
}

// Close leaves the registry and stops serving. A connection opened by
// Connect is drained and closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	services := b.served
	b.served = map[string]*served{}
	b.mu.Unlock()

	for _, s := range services {
		s.stop()
	}
	err := b.publish(SubjectLeave, nodeInfo{Node: b.nodeID})
	b.unsubscribeAll()
	if b.ownConn {
		err = errors.Join(err, b.nc.Drain())
	}
	return err
}

func (b *Broker) unsubscribeAll() {
	b.mu.Lock()
	subs := b.subs
	for _, sub := range b.eventSubs {
		subs = append(subs, sub)
	}
	b.subs = nil
	b.eventSubs = map[string]*nats.Subscription{}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (b *Broker) announce() {
	b.mu.RLock()
	info := nodeInfo{Node: b.nodeID}
	for _, s := range b.served {
		info.Services = append(info.Services, s.desc)
	}
	b.mu.RUnlock()
	if err := b.publish(SubjectAnnounce, info); err != nil {
		b.logger.Error(err, "failed to announce services")
	}
}

func (b *Broker) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsbroker: encode %s: %w", subject, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbroker: publish %s: %w", subject, err)
	}
	return nil
}

func (b *Broker) handleAnnounce(msg *nats.Msg) {
	var info nodeInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil || info.Node == "" || info.Node == b.nodeID {
		return
	}
	b.mu.Lock()
	if len(info.Services) == 0 {
		delete(b.remote, info.Node)
	} else {
		b.remote[info.Node] = info.Services
	}
	b.mu.Unlock()
	b.logger.V(1).Info("node announced", "peer", info.Node, "services", len(info.Services))
	b.events.Emit(broker.WithCaller(context.Background(), b), broker.EventServicesChanged, nil)
}

func (b *Broker) handleLeave(msg *nats.Msg) {
	var info nodeInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil || info.Node == b.nodeID {
		return
	}
	b.mu.Lock()
	_, known := b.remote[info.Node]
	delete(b.remote, info.Node)
	b.mu.Unlock()
	if known {
		b.logger.V(1).Info("node left", "peer", info.Node)
		b.events.Emit(broker.WithCaller(context.Background(), b), broker.EventServicesChanged, nil)
	}
}

func (b *Broker) handleDiscover(msg *nats.Msg) {
	var info nodeInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil || info.Node == b.nodeID {
		return
	}
	b.mu.RLock()
	serving := len(b.served) > 0
	b.mu.RUnlock()
	if serving {
		b.announce()
	}
}

var _ broker.Broker = (*Broker)(nil)
