package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

// MetaRequestID is the meta key carrying the gateway request id.
const MetaRequestID = "requestID"

// Local is an in-process broker. Several instances of the same service may be
// registered; calls are balanced round-robin between them.
type Local struct {
	nodeID string

	mu       sync.RWMutex
	services map[string][]*localService // full name -> instances
	nextID   uint64
	rr       atomic.Uint64
	events   Listeners
}

type localService struct {
	id  uint64
	def ServiceDefinition
}

// NewLocal creates an empty in-process broker.
func NewLocal() *Local {
	return &Local{
		nodeID:   "local-" + uuid.NewString()[:8],
		services: make(map[string][]*localService),
	}
}

// NodeID identifies this broker in service descriptors.
func (b *Local) NodeID() string { return b.nodeID }

// AddService registers def and emits EventServicesChanged. The returned
// function removes exactly this instance.
func (b *Local) AddService(ctx context.Context, def ServiceDefinition) (remove func()) {
	if def.NodeID == "" {
		def.NodeID = b.nodeID
	}
	if len(def.Actions) == 0 {
		for name := range def.Handlers {
			def.Actions = append(def.Actions, name)
		}
		sort.Strings(def.Actions)
	}

	b.mu.Lock()
	b.nextID++
	svc := &localService{id: b.nextID, def: def}
	name := def.FullName()
	b.services[name] = append(b.services[name], svc)
	b.mu.Unlock()
	var unsubs []func()
	for event, h := range def.Events {
		unsubs = append(unsubs, b.events.On(event, h))
	}

	_ = b.Broadcast(ctx, EventServicesChanged, map[string]any{"service": name, "joined": true})

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			if b.removeInstance(name, svc.id) {
				_ = b.Broadcast(ctx, EventServicesChanged, map[string]any{"service": name, "joined": false})
			}
		})
	}
}

// RemoveService removes every instance of the named service.
func (b *Local) RemoveService(ctx context.Context, fullName string) bool {
	b.mu.Lock()
	_, ok := b.services[fullName]
	delete(b.services, fullName)
	b.mu.Unlock()
	if ok {
		_ = b.Broadcast(ctx, EventServicesChanged, map[string]any{"service": fullName, "joined": false})
	}
	return ok
}

func (b *Local) removeInstance(name string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.services[name]
	for i, s := range list {
		if s.id == id {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.services, name)
			} else {
				b.services[name] = list
			}
			return true
		}
	}
	return false
}

// Services lists one descriptor per registered instance, ordered by name.
func (b *Local) Services(context.Context) ([]ServiceDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []ServiceDescriptor
	for _, name := range names {
		for _, s := range b.services[name] {
			out = append(out, s.def.ServiceDescriptor)
		}
	}
	return out, nil
}

// Call dispatches action to a local handler. The handler context carries the
// broker (see CallerFromContext) and the caller's request id.
func (b *Local) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	service, name, err := SplitAction(action)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	instances := b.services[service]
	var handler ActionHandler
	if len(instances) > 0 {
		inst := instances[int(b.rr.Add(1)-1)%len(instances)]
		handler = inst.def.Handlers[name]
	}
	b.mu.RUnlock()
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, action)
	}

	req := &Request{ID: uuid.NewString(), Action: action, Params: params, Meta: MetaFromContext(ctx)}
	if rid, ok := reqid.FromContext(ctx); ok {
		req.Meta = mergeMeta(req.Meta, MetaRequestID, rid)
	}
	return Invoke(WithCaller(ctx, b), "local", handler, req)
}

// Invoke runs handler for req and publishes BrokerCallStart/Finish events.
// Transports use it when serving calls received from the wire.
func Invoke(ctx context.Context, transport string, handler ActionHandler, req *Request) (res any, err error) {
	if rid, ok := req.Meta[MetaRequestID].(string); ok && rid != "" {
		ctx = reqid.WithID(ctx, rid)
	}
	if req.Meta != nil {
		ctx = WithMeta(ctx, req.Meta)
	}
	start := time.Now()
	eventbus.Publish(ctx, events.BrokerCallStart{ID: req.ID, Action: req.Action, Transport: transport})
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: action %s panicked: %v", req.Action, r)
		}
		eventbus.Publish(ctx, events.BrokerCallFinish{
			ID: req.ID, Action: req.Action, Transport: transport, Err: err, Duration: time.Since(start),
		})
	}()
	return handler(ctx, req)
}

func mergeMeta(meta map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}

// Broadcast delivers payload to every listener of event on the caller's
// goroutine. Listener panics are not recovered.
func (b *Local) Broadcast(ctx context.Context, event string, payload any) error {
	b.events.Emit(WithCaller(ctx, b), event, payload)
	return nil
}

// On registers h for event.
func (b *Local) On(event string, h EventHandler) (unsubscribe func()) {
	return b.events.On(event, h)
}

var _ Broker = (*Local)(nil)
