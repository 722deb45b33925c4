package service

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	executor "github.com/hanpama/brokerql/internal/executor"
)

// runtime resolves every field synchronously from the resolver table,
// falling back to reading the field off the source value.
type runtime struct {
	resolvers *ResolverTable
}

func (r *runtime) ResolveSync(ctx context.Context, info *executor.ResolveInfo, source any, args map[string]any) (any, error) {
	if fn := r.resolvers.Lookup(info.ObjectType, info.FieldName); fn != nil {
		return fn(ctx, ResolveParams{Source: source, Args: args, Info: info})
	}
	return DefaultResolve(source, info.FieldName), nil
}

func (r *runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	out := make([]executor.AsyncResolveResult, len(tasks))
	for i, task := range tasks {
		v, err := r.ResolveSync(ctx, task.Info, task.Source, task.Args)
		out[i] = executor.AsyncResolveResult{Value: v, Error: err}
	}
	return out
}

func (r *runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	if fn := r.resolvers.Lookup(abstractType, ResolveTypeField); fn != nil {
		v, err := fn(ctx, ResolveParams{Source: value})
		if err != nil {
			return "", err
		}
		name, ok := v.(string)
		if !ok || name == "" {
			return "", fmt.Errorf("type resolver of %s returned %T", abstractType, v)
		}
		return name, nil
	}
	if name, ok := DefaultResolve(value, "__typename").(string); ok && name != "" {
		return name, nil
	}
	if n, ok := value.(interface{ GraphQLTypeName() string }); ok {
		return n.GraphQLTypeName(), nil
	}
	return "", fmt.Errorf("cannot resolve the concrete type of %s for %T", abstractType, value)
}

func (r *runtime) ResolveUnionConcreteValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (r *runtime) ResolveInterfaceConcreteValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (r *runtime) SerializeLeafValue(_ context.Context, typeName string, value any) (any, error) {
	return executor.SerializeScalar(typeName, value)
}

// DefaultResolve reads field from a map key, or from a struct field matched
// by json tag or case-insensitive name.
func DefaultResolve(source any, field string) any {
	switch s := source.(type) {
	case nil:
		return nil
	case map[string]any:
		return s[field]
	}
	v := reflect.ValueOf(source)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		mv := v.MapIndex(reflect.ValueOf(field).Convert(v.Type().Key()))
		if !mv.IsValid() {
			return nil
		}
		return mv.Interface()
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			if tag == field || (tag == "" && strings.EqualFold(sf.Name, field)) {
				return v.Field(i).Interface()
			}
		}
	}
	return nil
}
