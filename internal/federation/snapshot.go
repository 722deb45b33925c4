package federation

import (
	"context"
	"fmt"
	"sort"

	batch "github.com/hanpama/brokerql/internal/batch"
	broker "github.com/hanpama/brokerql/internal/broker"
	executor "github.com/hanpama/brokerql/internal/executor"
	introspection "github.com/hanpama/brokerql/internal/introspection"
	language "github.com/hanpama/brokerql/internal/language"
	link "github.com/hanpama/brokerql/internal/link"
	remote "github.com/hanpama/brokerql/internal/remote"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// Snapshot is one immutable build of the federated schema.
type Snapshot struct {
	// Schema is the merged schema without introspection types.
	Schema *schema.Schema
	SDL    string
	// Services lists the backends merged into Schema, local schemas first.
	Services []string
	// Owners maps root type -> root field -> the backend that serves it.
	Owners map[string]map[string]string

	descriptors []broker.ServiceDescriptor
	backends    map[string]link.Executor
	links       map[string]map[string]*linkedField
	caller      broker.Caller
	exec        *executor.Executor
}

// linkedField is a field resolved at the gateway by calling an action.
type linkedField struct {
	typeName string
	field    string
	action   string
	spec     broker.ResolverSpec
}

func compose(caller broker.Caller, locals []*remote.Schema, services []broker.ServiceDescriptor, remotes []*remote.Schema) (*Snapshot, error) {
	parts := append(append([]*remote.Schema(nil), locals...), remotes...)

	snap := &Snapshot{
		Owners:      map[string]map[string]string{},
		descriptors: services,
		backends:    make(map[string]link.Executor, len(parts)),
		links:       map[string]map[string]*linkedField{},
		caller:      caller,
	}
	schemas := make([]*schema.Schema, len(parts))
	for i, p := range parts {
		schemas[i] = p.Schema
		snap.Services = append(snap.Services, p.Service)
		snap.backends[p.Service] = p.Executor
		for root, t := range map[string]*schema.Type{
			schema.QueryTypeName:    p.Schema.GetQueryType(),
			schema.MutationTypeName: p.Schema.GetMutationType(),
		} {
			if t == nil {
				continue
			}
			owned := snap.Owners[root]
			if owned == nil {
				owned = map[string]string{}
				snap.Owners[root] = owned
			}
			for _, f := range t.Fields {
				owned[f.Name] = p.Service
			}
		}
	}

	merged, err := schema.Merge(schemas...)
	if err != nil {
		return nil, &remote.SchemaBuildError{Err: err}
	}
	for _, svc := range services {
		if svc.TypeDefs == "" {
			continue
		}
		if err := schema.Extend(merged, svc.TypeDefs); err != nil {
			return nil, &remote.SchemaBuildError{Service: svc.FullName(), Err: err}
		}
	}
	for _, svc := range services {
		if err := snap.addLinks(merged, svc); err != nil {
			return nil, &remote.SchemaBuildError{Service: svc.FullName(), Err: err}
		}
	}
	snap.markAsync(merged)

	snap.Schema = merged
	snap.SDL = schema.Render(merged)
	w := introspection.Wrap(&runtime{snap: snap}, merged)
	snap.exec = executor.NewExecutor(w.Runtime, w.Schema)
	return snap, nil
}

func (s *Snapshot) addLinks(merged *schema.Schema, svc broker.ServiceDescriptor) error {
	for _, typeName := range sortedKeys(svc.Resolvers) {
		t := merged.Types[typeName]
		if t == nil || t.Kind != schema.TypeKindObject {
			return fmt.Errorf("resolvers declared for unknown object type %s", typeName)
		}
		fields := svc.Resolvers[typeName]
		for _, fieldName := range sortedKeys(fields) {
			spec := fields[fieldName]
			if t.Field(fieldName) == nil {
				return fmt.Errorf("resolver declared for unknown field %s.%s", typeName, fieldName)
			}
			if spec.Action == "" {
				return fmt.Errorf("resolver %s.%s has no action", typeName, fieldName)
			}
			for _, rp := range spec.RootParams {
				if t.Field(rp.Field) == nil {
					return fmt.Errorf("resolver %s.%s: root param %s is not a field of %s", typeName, fieldName, rp.Field, typeName)
				}
			}
			byField := s.links[typeName]
			if byField == nil {
				byField = map[string]*linkedField{}
				s.links[typeName] = byField
			}
			byField[fieldName] = &linkedField{
				typeName: typeName,
				field:    fieldName,
				action:   batch.ActionName(svc, spec),
				spec:     spec,
			}
		}
	}
	return nil
}

// markAsync flags root and linked fields async and every other field sync.
func (s *Snapshot) markAsync(merged *schema.Schema) {
	for _, t := range merged.Types {
		root := merged.IsRootType(t.Name)
		for _, f := range t.Fields {
			f.SetAsync(root || s.link(t.Name, f.Name) != nil)
		}
	}
}

func (s *Snapshot) link(typeName, field string) *linkedField {
	return s.links[typeName][field]
}

// loader returns the request loader batching lf, or nil when lf calls its
// action directly.
func (lf *linkedField) loader(ls batch.Loaders) *batch.Loader {
	if !lf.spec.DataLoader || len(lf.spec.RootParams) == 0 {
		return nil
	}
	return ls.Get(lf.action)
}

// Owner returns the backend serving a root field.
func (s *Snapshot) Owner(rootType, field string) (string, bool) {
	name, ok := s.Owners[rootType][field]
	return name, ok
}

// Execute runs an operation against the snapshot with fresh request-scoped
// loaders. Backend errors are reported next to the gateway's own.
func (s *Snapshot) Execute(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) *executor.ExecutionResult {
	rs := &requestState{}
	ctx = withRequestState(ctx, rs)
	if batch.FromContext(ctx) == nil {
		ctx = batch.WithLoaders(ctx, batch.NewLoaders(s.caller, s.descriptors))
	}
	res := s.exec.ExecuteRequest(ctx, doc, operationName, variables, nil)
	rs.mergeInto(res)
	return res
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
