package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	executor "github.com/hanpama/brokerql/internal/executor"
)

// DefaultResolverType is the type a resolver is registered under when none is given.
const DefaultResolverType = "Query"

// ResolveTypeField is the pseudo field name of a type resolver for an
// interface or union, e.g. Register("__resolveType", fn, ResolverOptions{Type: "SearchResult"}).
const ResolveTypeField = "__resolveType"

// ErrFrozen is returned when registering into a frozen table.
var ErrFrozen = errors.New("service: resolver table is frozen")

// ResolveParams is what a resolver receives.
type ResolveParams struct {
	Source any
	Args   map[string]any
	Info   *executor.ResolveInfo
}

// ResolverFunc resolves one field.
type ResolverFunc func(ctx context.Context, p ResolveParams) (any, error)

// ResolverOptions overrides where a resolver is registered.
type ResolverOptions struct {
	// Name is the field name. Defaults to the method name.
	Name string
	// Type is the GraphQL type name. Defaults to Query.
	Type string
}

// ResolverTable maps type name -> field name -> resolver. It is assembled
// during service initialization and frozen before serving.
type ResolverTable struct {
	mu     sync.RWMutex
	types  map[string]map[string]ResolverFunc
	frozen bool
}

// NewResolverTable returns an empty table.
func NewResolverTable() *ResolverTable {
	return &ResolverTable{types: make(map[string]map[string]ResolverFunc)}
}

// Register adds fn under opts.Type (default Query) and opts.Name (default
// method). A later registration for the same coordinate replaces the
// earlier one.
func (t *ResolverTable) Register(method string, fn ResolverFunc, opts ...ResolverOptions) error {
	var o ResolverOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	name := o.Name
	if name == "" {
		name = method
	}
	typ := o.Type
	if typ == "" {
		typ = DefaultResolverType
	}
	if name == "" {
		return fmt.Errorf("service: resolver for type %s has no name", typ)
	}
	if fn == nil {
		return fmt.Errorf("service: resolver %s.%s is nil", typ, name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return ErrFrozen
	}
	fields := t.types[typ]
	if fields == nil {
		fields = make(map[string]ResolverFunc)
		t.types[typ] = fields
	}
	fields[name] = fn
	return nil
}

// MustRegister is Register that panics on error, for static initialization.
func (t *ResolverTable) MustRegister(method string, fn ResolverFunc, opts ...ResolverOptions) *ResolverTable {
	if err := t.Register(method, fn, opts...); err != nil {
		panic(err)
	}
	return t
}

// Freeze makes the table immutable.
func (t *ResolverTable) Freeze() *ResolverTable {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
	return t
}

// Frozen reports whether Freeze was called.
func (t *ResolverTable) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}

// Lookup returns the resolver for typ.field, or nil.
func (t *ResolverTable) Lookup(typ, field string) ResolverFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.types[typ][field]
}

// Fields returns the registered field names of typ, sorted.
func (t *ResolverTable) Fields(typ string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.types[typ]))
	for name := range t.types[typ] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Types returns the type names that have resolvers, sorted.
func (t *ResolverTable) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.types))
	for name := range t.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var resolverFuncType = reflect.TypeOf((*ResolverFunc)(nil)).Elem()

// RegisterMethods registers every exported method of owner whose signature
// is a ResolverFunc. Method values are bound to owner. The default field
// name is the method name with a lowercase first letter; opts, keyed by Go
// method name, override name and type per method.
func (t *ResolverTable) RegisterMethods(owner any, opts map[string]ResolverOptions) error {
	v := reflect.ValueOf(owner)
	if !v.IsValid() {
		return fmt.Errorf("service: nil resolver owner")
	}
	typ := v.Type()
	found := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mv := v.Method(i)
		if !mv.Type().ConvertibleTo(resolverFuncType) {
			continue
		}
		fn := mv.Convert(resolverFuncType).Interface().(ResolverFunc)
		if err := t.Register(lowerFirst(m.Name), fn, opts[m.Name]); err != nil {
			return err
		}
		found++
	}
	for name := range opts {
		if _, ok := typ.MethodByName(name); !ok {
			return fmt.Errorf("service: %s has no method %s", typ, name)
		}
	}
	if found == 0 {
		return fmt.Errorf("service: %s has no resolver methods", typ)
	}
	return nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
