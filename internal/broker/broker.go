// Package broker defines the RPC broker surface the gateway and backend
// services talk through, plus an in-process implementation.
//
// Actions are addressed as "<service>.<action>" where <service> is the
// namespaced service name (see ServiceDescriptor.FullName).
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EventServicesChanged is emitted whenever a service joins or leaves.
const EventServicesChanged = "$services.changed"

var (
	ErrServiceNotFound = errors.New("broker: service not found")
	ErrActionNotFound  = errors.New("broker: action not found")
	ErrNoCaller        = errors.New("broker: no caller in context")
	ErrInvalidAction   = errors.New("broker: invalid action name")
)

// Caller invokes remote actions.
type Caller interface {
	Call(ctx context.Context, action string, params map[string]any) (any, error)
}

// Registry lists the services currently known to the broker.
type Registry interface {
	Services(ctx context.Context) ([]ServiceDescriptor, error)
}

// Emitter broadcasts events to every interested listener.
type Emitter interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// EventHandler receives broadcast events.
type EventHandler func(ctx context.Context, payload any)

// Subscriber registers event listeners.
type Subscriber interface {
	On(event string, h EventHandler) (unsubscribe func())
}

// Broker is the full broker surface.
type Broker interface {
	Caller
	Registry
	Emitter
	Subscriber
}

// ServiceDescriptor is the registry's view of one running service.
type ServiceDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	// GraphQL marks services exposing a GraphQL action.
	GraphQL bool `json:"graphql,omitempty"`
	// Action is the GraphQL action name. Empty means "graphql".
	Action string `json:"action,omitempty"`
	// Resolvers declares gateway-side linked resolvers: type -> field -> spec.
	Resolvers map[string]map[string]ResolverSpec `json:"resolvers,omitempty"`
	// TypeDefs is additional SDL merged into the federated schema, typically
	// extensions declaring linked fields.
	TypeDefs string   `json:"typeDefs,omitempty"`
	Actions  []string `json:"actions,omitempty"`
	NodeID   string   `json:"nodeID,omitempty"`
}

// FullName returns the namespaced name, "v<version>.<name>" when versioned.
func (d ServiceDescriptor) FullName() string {
	return FullName(d.Name, d.Version)
}

// GraphQLAction returns the name of the service's GraphQL action.
func (d ServiceDescriptor) GraphQLAction() string {
	if d.Action == "" {
		return "graphql"
	}
	return d.Action
}

// FullName joins a service name with its optional version.
func FullName(name, version string) string {
	if version == "" {
		return name
	}
	if strings.HasPrefix(version, "v") {
		return version + "." + name
	}
	return "v" + version + "." + name
}

// RootParam maps a field of the parent object onto an action parameter.
type RootParam struct {
	Field string `json:"field"`
	Param string `json:"param"`
}

// ResolverSpec describes a field resolved at the gateway by calling an action.
type ResolverSpec struct {
	Action     string `json:"action"`
	DataLoader bool   `json:"dataLoader,omitempty"`
	// RootParams is ordered; the first entry is the batch key.
	RootParams []RootParam `json:"rootParams,omitempty"`
	// Params are static parameters merged into every call.
	Params map[string]any `json:"params,omitempty"`
}

// KeyParam returns the action parameter batched keys are sent under.
func (r ResolverSpec) KeyParam() string {
	if len(r.RootParams) == 0 {
		return ""
	}
	return r.RootParams[0].Param
}

// Request is what an action handler receives.
type Request struct {
	ID     string
	Action string
	Params map[string]any
	Meta   map[string]any
}

// String returns the parameter named key, or "" when it is missing or not a string.
func (r *Request) String(key string) string {
	s, _ := r.Params[key].(string)
	return s
}

// ValidationError reports invalid action parameters.
type ValidationError struct {
	Action  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("broker: invalid parameter %q of %s: %s", e.Field, e.Action, e.Message)
}

// ActionHandler serves one action.
type ActionHandler func(ctx context.Context, req *Request) (any, error)

// ServiceDefinition is what a service registers with a broker.
type ServiceDefinition struct {
	ServiceDescriptor
	Handlers map[string]ActionHandler
	Events   map[string]EventHandler
}

// SplitAction splits "<service>.<action>" on its last dot.
func SplitAction(action string) (service, name string, err error) {
	i := strings.LastIndexByte(action, '.')
	if i <= 0 || i == len(action)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return action[:i], action[i+1:], nil
}

type callerKey struct{}

// WithCaller returns ctx carrying c, so handlers can call other services.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller installed by WithCaller.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c != nil
}

// Call invokes action through the caller carried by ctx.
func Call(ctx context.Context, action string, params map[string]any) (any, error) {
	c, ok := CallerFromContext(ctx)
	if !ok {
		return nil, ErrNoCaller
	}
	return c.Call(ctx, action, params)
}

type metaKey struct{}

// WithMeta attaches call metadata forwarded with every call made under ctx.
// Keys already present are overridden.
func WithMeta(ctx context.Context, meta map[string]any) context.Context {
	merged := make(map[string]any, len(meta))
	for k, v := range MetaFromContext(ctx) {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	return context.WithValue(ctx, metaKey{}, merged)
}

// MetaFromContext returns the call metadata carried by ctx. It may be nil.
func MetaFromContext(ctx context.Context) map[string]any {
	m, _ := ctx.Value(metaKey{}).(map[string]any)
	return m
}
