// Package federation merges the schemas of the GraphQL services registered
// with a broker into one schema and executes operations against it by
// delegating root fields to their owning services.
//
// The merged schema is rebuilt lazily: topology changes only mark it dirty
// and the next request rebuilds it.
package federation

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	broker "github.com/hanpama/brokerql/internal/broker"
	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	executor "github.com/hanpama/brokerql/internal/executor"
	language "github.com/hanpama/brokerql/internal/language"
	link "github.com/hanpama/brokerql/internal/link"
	log "github.com/hanpama/brokerql/internal/log"
	remote "github.com/hanpama/brokerql/internal/remote"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// EventSchemaUpdated is broadcast with {"schema": <SDL>} after every
// successful rebuild.
const EventSchemaUpdated = "graphql.schema.updated"

// Engine owns the federated schema of one gateway.
type Engine struct {
	broker  broker.Broker
	builder remote.SchemaBuilder
	locals  []*remote.Schema
	action  string
	logger  logr.Logger
	sf      *singleflight.Group

	dirty    atomic.Bool
	snap     atomic.Pointer[Snapshot]
	rebuilds atomic.Uint64
	attempts atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchemaBuilder replaces introspection with b for every backend.
func WithSchemaBuilder(b remote.SchemaBuilder) Option {
	return func(e *Engine) { e.builder = b }
}

// WithLocalSchema adds a schema served in-process by exec. Local schemas are
// merged before the backend schemas.
func WithLocalSchema(name string, exec link.Executor, s *schema.Schema) Option {
	return func(e *Engine) {
		c := schema.Clone(s)
		remote.MarkRootFieldsAsync(c)
		e.locals = append(e.locals, &remote.Schema{Service: name, Schema: c, Executor: exec})
	}
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(l logr.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSingleFlight collapses concurrent rebuilds into one.
func WithSingleFlight() Option {
	return func(e *Engine) { e.sf = &singleflight.Group{} }
}

// WithAction sets the GraphQL action called on backends whose descriptor
// does not name one.
func WithAction(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.action = name
		}
	}
}

// New returns an engine over b. The engine starts dirty.
func New(b broker.Broker, opts ...Option) *Engine {
	e := &Engine{broker: b, action: link.DefaultAction}
	for _, o := range opts {
		o(e)
	}
	e.dirty.Store(true)
	return e
}

// Start subscribes the engine to topology changes. The returned function
// unsubscribes.
func (e *Engine) Start(ctx context.Context) (stop func()) {
	log.Or(ctx, e.logger).V(1).Info("watching service topology", "event", broker.EventServicesChanged)
	return e.broker.On(broker.EventServicesChanged, func(ctx context.Context, _ any) {
		e.Invalidate()
		log.Or(ctx, e.logger).V(1).Info("federated schema invalidated")
	})
}

// Invalidate marks the schema stale. It never rebuilds.
func (e *Engine) Invalidate() { e.dirty.Store(true) }

// Dirty reports whether the next request rebuilds the schema.
func (e *Engine) Dirty() bool { return e.dirty.Load() }

// Snapshot returns the current merged schema, or nil before the first
// successful rebuild.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

// Rebuilds returns the number of successful rebuilds.
func (e *Engine) Rebuilds() uint64 { return e.rebuilds.Load() }

// EnsureFresh rebuilds the schema when dirty and returns the current
// snapshot. A failed rebuild leaves the engine dirty and the previous
// snapshot in place.
func (e *Engine) EnsureFresh(ctx context.Context) (*Snapshot, error) {
	if !e.dirty.Load() {
		if s := e.snap.Load(); s != nil {
			return s, nil
		}
	}
	if e.sf == nil {
		return e.rebuild(ctx)
	}
	v, err, _ := e.sf.Do("rebuild", func() (any, error) { return e.rebuild(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Execute runs one operation against the current snapshot. A failed rebuild
// aborts the request with its *remote.SchemaBuildError; the previous
// snapshot stays cached and the next request retries.
func (e *Engine) Execute(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*executor.ExecutionResult, error) {
	snap, err := e.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Execute(ctx, doc, operationName, variables), nil
}

func (e *Engine) rebuild(ctx context.Context) (snap *Snapshot, err error) {
	// Cleared up front so invalidations arriving mid-rebuild are kept.
	e.dirty.Store(false)
	attempt := e.attempts.Add(1)
	logger := log.Or(ctx, e.logger).WithValues("attempt", attempt)
	start := time.Now()
	eventbus.Publish(ctx, events.SchemaRebuildStart{Attempt: attempt})
	defer func() {
		finish := events.SchemaRebuildFinish{Attempt: attempt, Err: err, Duration: time.Since(start)}
		if snap != nil {
			finish.Services = snap.Services
		}
		eventbus.Publish(ctx, finish)
		if err != nil {
			e.dirty.Store(true)
			logger.Error(err, "federated schema rebuild failed")
		}
	}()
	logger.V(1).Info("rebuilding federated schema")

	services, err := e.broker.Services(ctx)
	if err != nil {
		return nil, &remote.SchemaBuildError{Err: err}
	}
	services = eligible(services)

	remotes := make([]*remote.Schema, len(services))
	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range services {
		action := svc.Action
		if action == "" {
			action = e.action
		}
		l := link.New(e.broker, svc.FullName(), link.WithAction(action))
		g.Go(func() error {
			rs, err := remote.Build(gctx, svc, l, e.builder)
			remotes[i] = rs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		var sbe *remote.SchemaBuildError
		if errors.As(err, &sbe) {
			return nil, err
		}
		return nil, &remote.SchemaBuildError{Err: err}
	}

	snap, err = compose(e.broker, e.locals, services, remotes)
	if err != nil {
		return nil, err
	}
	e.snap.Store(snap)
	e.rebuilds.Add(1)
	logger.V(1).Info("federated schema rebuilt", "services", snap.Services, "duration", time.Since(start))

	if err := e.broker.Broadcast(ctx, EventSchemaUpdated, map[string]any{"schema": snap.SDL}); err != nil {
		logger.Error(err, "failed to broadcast schema update")
	}
	return snap, nil
}

// eligible keeps GraphQL services, one per namespaced name, sorted by name.
func eligible(services []broker.ServiceDescriptor) []broker.ServiceDescriptor {
	seen := make(map[string]bool, len(services))
	out := make([]broker.ServiceDescriptor, 0, len(services))
	for _, svc := range services {
		if !svc.GraphQL {
			continue
		}
		name := svc.FullName()
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, svc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}
