package batch

import (
	"context"
	"sort"
	"strings"

	broker "github.com/hanpama/brokerql/internal/broker"
)

// Loaders maps "<service>.<action>" to the request's loader for it.
type Loaders map[string]*Loader

// ActionName returns the action a resolver of svc calls. A qualified action
// ("<service>.<action>") is used as is, a bare one is qualified with svc.
func ActionName(svc broker.ServiceDescriptor, spec broker.ResolverSpec) string {
	if strings.Contains(spec.Action, ".") {
		return spec.Action
	}
	return svc.FullName() + "." + spec.Action
}

// NewLoaders creates one loader per distinct action of the batchable
// resolvers declared by services. A resolver is batchable when it sets
// DataLoader and has at least one root param; the first root param names the
// key parameter.
func NewLoaders(caller broker.Caller, services []broker.ServiceDescriptor) Loaders {
	out := Loaders{}
	for _, svc := range services {
		for _, typeName := range sortedKeys(svc.Resolvers) {
			fields := svc.Resolvers[typeName]
			for _, fieldName := range sortedKeys(fields) {
				spec := fields[fieldName]
				param := spec.KeyParam()
				if !spec.DataLoader || param == "" {
					continue
				}
				action := ActionName(svc, spec)
				if _, ok := out[action]; ok {
					continue
				}
				out[action] = NewLoader(caller, action, param, spec.Params)
			}
		}
	}
	return out
}

// Get returns the loader for action, or nil.
func (ls Loaders) Get(action string) *Loader {
	if ls == nil {
		return nil
	}
	return ls[action]
}

type loadersKey struct{}

// WithLoaders returns ctx carrying the request's loaders.
func WithLoaders(ctx context.Context, ls Loaders) context.Context {
	return context.WithValue(ctx, loadersKey{}, ls)
}

// FromContext returns the loaders installed by WithLoaders.
func FromContext(ctx context.Context) Loaders {
	ls, _ := ctx.Value(loadersKey{}).(Loaders)
	return ls
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
