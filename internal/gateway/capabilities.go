package gateway

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	broker "github.com/hanpama/brokerql/internal/broker"
	executor "github.com/hanpama/brokerql/internal/executor"
	federation "github.com/hanpama/brokerql/internal/federation"
	language "github.com/hanpama/brokerql/internal/language"
	pubsub "github.com/hanpama/brokerql/internal/pubsub"
	schemacache "github.com/hanpama/brokerql/internal/schemacache"
	server "github.com/hanpama/brokerql/internal/server"
	service "github.com/hanpama/brokerql/internal/service"
)

// Federation creates the federation engine, watches the topology and
// exposes the federated schema as the gateway's "graphql" action.
func Federation(opts ...federation.Option) Capability {
	return CapabilityFunc(func(g *Gateway) error {
		all := append([]federation.Option{federation.WithLogger(g.logger)}, g.fedOpts...)
		g.engine = federation.New(g.broker, append(all, opts...)...)
		g.OnStart(g.engine.Start)
		return g.Action("graphql", g.execute)
	})
}

func (g *Gateway) execute(ctx context.Context, req *broker.Request) (any, error) {
	query, operationName, variables, err := service.OperationParams(req)
	if err != nil {
		return nil, err
	}
	doc, err := language.ParseQuery(query)
	if err != nil {
		return &executor.ExecutionResult{Errors: []executor.GraphQLError{{Message: err.Error()}}}, nil
	}
	return g.engine.Execute(ctx, doc, operationName, variables)
}

// SchemaCache builds backend schemas from announced SDL, introspecting only
// on a miss.
func SchemaCache(c *schemacache.Cache) Capability {
	return CapabilityFunc(func(g *Gateway) error {
		if g.engine != nil {
			return fmt.Errorf("schema cache: %w", ErrFederationConfigured)
		}
		g.fedOpts = append(g.fedOpts, federation.WithSchemaBuilder(c.Builder()))
		g.OnStart(func(context.Context) func() { return c.Watch(g.broker) })
		return nil
	})
}

// HTTP serves the federated schema at path, DefaultPath when empty.
func HTTP(path string, opts ...server.Option) Capability {
	return CapabilityFunc(func(g *Gateway) error {
		if g.engine == nil {
			return fmt.Errorf("http: %w", ErrNoFederation)
		}
		if path == "" {
			path = DefaultPath
		}
		g.Handle(path, server.New(g.engine, append([]server.Option{server.WithEndpoint(path)}, opts...)...))
		g.OnStart(func(context.Context) func() {
			g.logger.Info(fmt.Sprintf("GraphQL server is available at %s", path))
			return nil
		})
		return nil
	})
}

// Metrics serves the metrics gathered by reg at /metrics.
func Metrics(reg prometheus.Gatherer) Capability {
	return CapabilityFunc(func(g *Gateway) error {
		g.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		return nil
	})
}

// PublishEvent is the payload of the subscription publish event.
type PublishEvent struct {
	Tag     string `json:"tag"`
	Payload any    `json:"payload"`
}

// Subscriptions re-publishes every event named event, DefaultSubscriptionEvent
// when empty, into ps under its tag.
func Subscriptions(ps pubsub.PubSub, event string) Capability {
	return CapabilityFunc(func(g *Gateway) error {
		if event == "" {
			event = DefaultSubscriptionEvent
		}
		return g.OnEvent(event, func(ctx context.Context, payload any) {
			ev, ok := publishEvent(payload)
			if !ok {
				g.logger.Error(nil, "dropping malformed publish event", "event", event)
				return
			}
			if err := ps.Publish(ctx, ev.Tag, ev.Payload); err != nil {
				g.logger.Error(err, "failed to publish", "tag", ev.Tag)
			}
		})
	})
}

func publishEvent(payload any) (PublishEvent, bool) {
	switch p := payload.(type) {
	case PublishEvent:
		return p, p.Tag != ""
	case *PublishEvent:
		if p == nil {
			return PublishEvent{}, false
		}
		return *p, p.Tag != ""
	case map[string]any:
		tag, _ := p["tag"].(string)
		return PublishEvent{Tag: tag, Payload: p["payload"]}, tag != ""
	}
	return PublishEvent{}, false
}
