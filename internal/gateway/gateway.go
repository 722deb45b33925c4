// Package gateway composes the GraphQL gateway service from an ordered list
// of capabilities. Each capability contributes HTTP routes, broker actions,
// event handlers and start hooks at construction time.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"

	broker "github.com/hanpama/brokerql/internal/broker"
	federation "github.com/hanpama/brokerql/internal/federation"
	service "github.com/hanpama/brokerql/internal/service"
)

const (
	DefaultName              = "api-gateway"
	DefaultPath              = "/graphql"
	DefaultSubscriptionEvent = "graphql.publish"
)

var (
	// ErrNoFederation is returned by capabilities listed before Federation
	// that need its engine.
	ErrNoFederation = errors.New("gateway: capability requires Federation listed before it")
	// ErrFederationConfigured is returned by capabilities that configure the
	// engine when listed after Federation.
	ErrFederationConfigured = errors.New("gateway: capability must be listed before Federation")
)

// Capability contributes to a gateway under construction.
type Capability interface {
	Setup(g *Gateway) error
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(g *Gateway) error

func (f CapabilityFunc) Setup(g *Gateway) error { return f(g) }

// Gateway is a broker service exposing the federated schema.
type Gateway struct {
	name   string
	broker broker.Broker
	logger logr.Logger
	mux    *http.ServeMux
	routes []string

	actions map[string]broker.ActionHandler
	events  map[string]broker.EventHandler
	starts  []func(ctx context.Context) (stop func())

	fedOpts []federation.Option
	engine  *federation.Engine
}

// New composes a gateway named name on b. Capabilities are set up in order.
func New(b broker.Broker, name string, caps ...Capability) (*Gateway, error) {
	if name == "" {
		name = DefaultName
	}
	g := &Gateway{
		name:    name,
		broker:  b,
		logger:  logr.Discard(),
		mux:     http.NewServeMux(),
		actions: map[string]broker.ActionHandler{},
		events:  map[string]broker.EventHandler{},
	}
	for _, c := range caps {
		if err := c.Setup(g); err != nil {
			return nil, fmt.Errorf("gateway %s: %w", name, err)
		}
	}
	return g, nil
}

// WithLogger sets the gateway logger. List it first so that later
// capabilities pick it up.
func WithLogger(l logr.Logger) Capability {
	return CapabilityFunc(func(g *Gateway) error {
		g.logger = l.WithValues("gateway", g.name)
		return nil
	})
}

func (g *Gateway) Name() string               { return g.name }
func (g *Gateway) Broker() broker.Broker      { return g.broker }
func (g *Gateway) Logger() logr.Logger        { return g.logger }
func (g *Gateway) Engine() *federation.Engine { return g.engine }

// Routes returns the HTTP paths in registration order.
func (g *Gateway) Routes() []string { return append([]string(nil), g.routes...) }

// Handle registers an HTTP route.
func (g *Gateway) Handle(path string, h http.Handler) {
	g.mux.Handle(path, h)
	g.routes = append(g.routes, path)
}

// Action registers a broker action of the gateway service.
func (g *Gateway) Action(name string, h broker.ActionHandler) error {
	if _, ok := g.actions[name]; ok {
		return fmt.Errorf("action %q is already defined", name)
	}
	g.actions[name] = h
	return nil
}

// OnEvent registers a handler for a broker event.
func (g *Gateway) OnEvent(event string, h broker.EventHandler) error {
	if _, ok := g.events[event]; ok {
		return fmt.Errorf("event %q is already handled", event)
	}
	g.events[event] = h
	return nil
}

// OnStart registers a hook run by Start. Its stop function runs on shutdown
// in reverse order.
func (g *Gateway) OnStart(fn func(ctx context.Context) (stop func())) {
	g.starts = append(g.starts, fn)
}

// Definition is the gateway service as registered with the broker.
func (g *Gateway) Definition() broker.ServiceDefinition {
	return broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: g.name},
		Handlers:          g.actions,
		Events:            g.events,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.mux.ServeHTTP(w, r) }

// Start joins the broker and runs the start hooks. Brokers that cannot host
// services still deliver the gateway's events.
func (g *Gateway) Start(ctx context.Context) (stop func()) {
	var stops []func()
	if r, ok := g.broker.(service.Registrar); ok {
		stops = append(stops, r.AddService(ctx, g.Definition()))
	} else {
		for event, h := range g.events {
			stops = append(stops, g.broker.On(event, h))
		}
	}
	for _, fn := range g.starts {
		if s := fn(ctx); s != nil {
			stops = append(stops, s)
		}
	}
	g.logger.Info("gateway started", "routes", g.routes, "actions", len(g.actions))
	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
}
