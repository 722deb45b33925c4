package grpcbroker

import (
	"context"
	"sync"

	broker "github.com/hanpama/brokerql/internal/broker"
)

// Broker calls actions on remote nodes over gRPC. The services it exposes
// come from configuration; events stay on this node.
type Broker struct {
	*Client

	mu       sync.RWMutex
	services []broker.ServiceDescriptor
	events   broker.Listeners
}

// New creates a broker advertising services.
func New(services []broker.ServiceDescriptor, opts ...Option) *Broker {
	b := &Broker{Client: NewClient(opts...)}
	b.services = append(b.services, services...)
	return b
}

// Services returns the configured service descriptors.
func (b *Broker) Services(context.Context) ([]broker.ServiceDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]broker.ServiceDescriptor(nil), b.services...), nil
}

// SetServices replaces the advertised services and emits
// broker.EventServicesChanged.
func (b *Broker) SetServices(ctx context.Context, services []broker.ServiceDescriptor) {
	b.mu.Lock()
	b.services = append([]broker.ServiceDescriptor(nil), services...)
	b.mu.Unlock()
	_ = b.Broadcast(ctx, broker.EventServicesChanged, nil)
}

// Broadcast delivers payload to the listeners of event on this node.
func (b *Broker) Broadcast(ctx context.Context, event string, payload any) error {
	b.events.Emit(broker.WithCaller(ctx, b), event, payload)
	return nil
}

// On registers h for event.
func (b *Broker) On(event string, h broker.EventHandler) (unsubscribe func()) {
	return b.events.On(event, h)
}

var _ broker.Broker = (*Broker)(nil)
