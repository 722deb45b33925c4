package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// prop reads a key from a map source.
func prop(name string) MockResolver {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		if m, ok := source.(map[string]any); ok {
			return m[name], nil
		}
		return nil, nil
	}
}

// Pattern: Calls comparison + Result comparison
func TestRouting_SyncFirstThenAsyncBatch(t *testing.T) {
	sch := mustBuildSchema(t, "type Query { a: String b: String c: String }", "Query.b")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": NewMockValueResolver("A"),
		"Query.b": NewMockValueResolver("B"),
		"Query.c": NewMockValueResolver("C"),
	})
	exec := NewExecutor(rt, sch)

	gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ a b c }"), "", nil, nil)

	wantRes := &ExecutionResult{Data: map[string]any{"a": "A", "b": "B", "c": "C"}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(wantRes, gotRes); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []Call{
		{Kind: CallKindSync, ObjectType: "Query", Field: "a", Args: map[string]any{}},
		{Kind: CallKindSync, ObjectType: "Query", Field: "c", Args: map[string]any{}},
		{Kind: CallKindAsync, ObjectType: "Query", Field: "b", Args: map[string]any{}, BatchID: 1},
	}
	if diff := cmp.Diff(wantCalls, rt.GetCalls()); diff != "" {
		t.Fatalf("Runtime calls mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Calls comparison + Result comparison
func TestRouting_OneBatchPerAsyncDepth(t *testing.T) {
	sch := mustBuildSchema(t, heredoc.Doc(`
		type Query { root: Node }
		type Node { x: String y: String }
	`), "Query.root", "Node.x")
	node := map[string]any{"id": 1}
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.root": NewMockValueResolver(node),
		"Node.x":     NewMockValueResolver("X"),
		"Node.y":     NewMockValueResolver("Y"),
	})
	exec := NewExecutor(rt, sch)

	gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "{ root { x y } }"), "", nil, nil)

	wantRes := &ExecutionResult{
		Data:   map[string]any{"root": map[string]any{"x": "X", "y": "Y"}},
		Errors: []GraphQLError{},
	}
	if diff := cmp.Diff(wantRes, gotRes); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []Call{
		{Kind: CallKindAsync, ObjectType: "Query", Field: "root", Args: map[string]any{}, BatchID: 1},
		{Kind: CallKindSync, ObjectType: "Node", Field: "y", Source: node, Args: map[string]any{}},
		{Kind: CallKindAsync, ObjectType: "Node", Field: "x", Source: node, Args: map[string]any{}, BatchID: 2},
	}
	if diff := cmp.Diff(wantCalls, rt.GetCalls()); diff != "" {
		t.Fatalf("Runtime calls mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestMutation_SerialEvaluationWithPartialError(t *testing.T) {
	sch := mustBuildSchema(t, heredoc.Doc(`
		type Query { ok: Boolean }
		type Mutation { m1: String m2: String m3: String }
	`))
	rt := NewMockRuntime(map[string]MockResolver{
		"Mutation.m1": NewMockValueResolver("1"),
		"Mutation.m2": NewMockErrorResolver(fmt.Errorf("boom")),
		"Mutation.m3": NewMockValueResolver("3"),
	})
	exec := NewExecutor(rt, sch)

	gotRes := exec.ExecuteRequest(context.Background(), mustParseQuery(t, "mutation { m1 m2 m3 }"), "", nil, nil)

	wantRes := &ExecutionResult{
		Data:   map[string]any{"m1": "1", "m2": nil, "m3": "3"},
		Errors: []GraphQLError{{Message: "boom", Path: Path{"m2"}}},
	}
	if diff := cmp.Diff(wantRes, gotRes); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Table + Result comparison
func TestContext_OperationSelection(t *testing.T) {
	sch := mustBuildSchema(t, "type Query { a: String b: String }")
	notFound := &ExecutionResult{Errors: []GraphQLError{{Message: "operation not found"}}}

	tests := []struct {
		name          string
		query         string
		operationName string
		want          *ExecutionResult
	}{
		{
			name:  "inline operation",
			query: "{ a }",
			want:  &ExecutionResult{Data: map[string]any{"a": "A"}, Errors: []GraphQLError{}},
		},
		{
			name:  "single named operation without name",
			query: "query Foo { a }",
			want:  &ExecutionResult{Data: map[string]any{"a": "A"}, Errors: []GraphQLError{}},
		},
		{
			name:          "named operation provided",
			query:         "query Foo { a } query Bar { b }",
			operationName: "Bar",
			want:          &ExecutionResult{Data: map[string]any{"b": "B"}, Errors: []GraphQLError{}},
		},
		{name: "no operation", query: "fragment F on Query { a }", want: notFound},
		{name: "multiple operations without name", query: "query Foo { a } query Bar { b }", want: notFound},
		{name: "unknown operation name", query: "query Foo { a }", operationName: "Baz", want: notFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewMockRuntime(map[string]MockResolver{
				"Query.a": NewMockValueResolver("A"),
				"Query.b": NewMockValueResolver("B"),
			})
			got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, tt.query), tt.operationName, nil, nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Pattern: Table + Result comparison
func TestContext_VariableCoercion(t *testing.T) {
	sch := mustBuildSchema(t, "type Query { echo(v: Int): Int }")

	tests := []struct {
		name      string
		query     string
		variables map[string]any
		want      *ExecutionResult
	}{
		{
			name:      "provided variable",
			query:     "query($v: Int!){ echo(v:$v) }",
			variables: map[string]any{"v": 3},
			want:      &ExecutionResult{Data: map[string]any{"echo": 3}, Errors: []GraphQLError{}},
		},
		{
			name:      "json number",
			query:     "query($v: Int!){ echo(v:$v) }",
			variables: map[string]any{"v": float64(7)},
			want:      &ExecutionResult{Data: map[string]any{"echo": 7}, Errors: []GraphQLError{}},
		},
		{
			name:  "default value",
			query: "query($v: Int = 5){ echo(v:$v) }",
			want:  &ExecutionResult{Data: map[string]any{"echo": 5}, Errors: []GraphQLError{}},
		},
		{
			name:  "missing required variable",
			query: "query($v: Int!){ echo(v:$v) }",
			want:  &ExecutionResult{Errors: []GraphQLError{{Message: "variable $v of required type Int! was not provided"}}},
		},
		{
			name:      "null for non-null variable",
			query:     "query($v: Int!){ echo(v:$v) }",
			variables: map[string]any{"v": nil},
			want:      &ExecutionResult{Errors: []GraphQLError{{Message: "variable $v of type Int! cannot be null"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewMockRuntime(map[string]MockResolver{
				"Query.echo": func(ctx context.Context, src any, args map[string]any) (any, error) { return args["v"], nil },
			})
			got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, tt.query), "", tt.variables, nil)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Pattern: Result comparison
func TestCollect_SkipAndInclude(t *testing.T) {
	sch := mustBuildSchema(t, "type Query { a: String b: String c: String }")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.a": NewMockValueResolver("A"),
		"Query.b": NewMockValueResolver("B"),
		"Query.c": NewMockValueResolver("C"),
	})
	doc := mustParseQuery(t, "query($yes: Boolean!) { a @skip(if: true) b @include(if: $yes) c @include(if: false) }")

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", map[string]any{"yes": true}, nil)

	want := &ExecutionResult{Data: map[string]any{"b": "B"}, Errors: []GraphQLError{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestComplete_NonNullPropagatesToParent(t *testing.T) {
	sch := mustBuildSchema(t, heredoc.Doc(`
		type Query { obj: Obj }
		type Obj { a: String! b: String }
	`))
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.obj": NewMockValueResolver(map[string]any{}),
		"Obj.a":     NewMockValueResolver(nil),
		"Obj.b":     NewMockValueResolver("B"),
	})

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ obj { a b } }"), "", nil, nil)

	want := &ExecutionResult{
		Data: map[string]any{"obj": nil},
		Errors: []GraphQLError{{
			Message: "Cannot return null for non-nullable field obj.a",
			Path:    Path{"obj", "a"},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestComplete_AsyncErrorIsLocated(t *testing.T) {
	sch := mustBuildSchema(t, heredoc.Doc(`
		type Query { objs: [Obj] }
		type Obj { a: String }
	`), "Obj.a")
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.objs": NewMockValueResolver([]any{map[string]any{}, map[string]any{}}),
		"Obj.a": func(ctx context.Context, source any, args map[string]any) (any, error) {
			return nil, fmt.Errorf("unavailable")
		},
	})

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ objs { a } }"), "", nil, nil)

	want := &ExecutionResult{
		Data: map[string]any{"objs": []any{map[string]any{"a": nil}, map[string]any{"a": nil}}},
		Errors: []GraphQLError{
			{Message: "unavailable", Path: Path{"objs", 0, "a"}},
			{Message: "unavailable", Path: Path{"objs", 1, "a"}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

const abstractSDL = `
type Query { node: Node search: [SearchResult] only: OnlyUser }
interface Node { id: ID! }
type User implements Node { id: ID! name: String }
type Product implements Node { id: ID! price: Float }
union SearchResult = User | Product
union OnlyUser = User
`

func abstractRuntime(values map[string]any) *MockRuntime {
	resolvers := map[string]MockResolver{
		"User.id":       prop("id"),
		"User.name":     prop("name"),
		"Product.id":    prop("id"),
		"Product.price": prop("price"),
	}
	for k, v := range values {
		resolvers[k] = NewMockValueResolver(v)
	}
	return NewMockRuntime(resolvers)
}

// Pattern: Result comparison
func TestCollect_FragmentsOnAbstractTypes(t *testing.T) {
	sch := mustBuildSchema(t, abstractSDL)
	ada := map[string]any{"__typename": "User", "id": "1", "name": "Ada"}
	lamp := map[string]any{"__typename": "Product", "id": "2", "price": 9.5}
	rt := abstractRuntime(map[string]any{
		"Query.node":   ada,
		"Query.search": []any{ada, lamp},
	})
	doc := mustParseQuery(t, heredoc.Doc(`
		{
			node { id ... on User { name } ...ProductFields }
			search { __typename ... on Node { id } ... on User { name } }
		}
		fragment ProductFields on Product { price }
	`))

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", nil, nil)

	want := &ExecutionResult{
		Data: map[string]any{
			"node": map[string]any{"id": "1", "name": "Ada"},
			"search": []any{
				map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
				map[string]any{"__typename": "Product", "id": "2"},
			},
		},
		Errors: []GraphQLError{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestComplete_ResolveTypeOutsidePossibleTypes(t *testing.T) {
	sch := mustBuildSchema(t, abstractSDL)
	rt := abstractRuntime(map[string]any{
		"Query.only": map[string]any{"__typename": "Product", "id": "2"},
	})

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ only { __typename } }"), "", nil, nil)

	want := &ExecutionResult{
		Data: map[string]any{"only": nil},
		Errors: []GraphQLError{{
			Message: "Runtime Object type Product is not a possible type for OnlyUser",
			Path:    Path{"only"},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestComplete_ResolveTypeError(t *testing.T) {
	sch := mustBuildSchema(t, abstractSDL)
	rt := abstractRuntime(map[string]any{"Query.node": map[string]any{"id": "1"}})

	got := NewExecutor(rt, sch).ExecuteRequest(context.Background(), mustParseQuery(t, "{ node { id } }"), "", nil, nil)

	want := &ExecutionResult{
		Data:   map[string]any{"node": nil},
		Errors: []GraphQLError{{Message: "cannot resolve type", Path: Path{"node"}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

type recordingRuntime struct {
	*MockRuntime
	infos []*ResolveInfo
}

func (r *recordingRuntime) ResolveSync(ctx context.Context, info *ResolveInfo, source any, args map[string]any) (any, error) {
	r.infos = append(r.infos, info)
	return r.MockRuntime.ResolveSync(ctx, info, source, args)
}

func (r *recordingRuntime) BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult {
	for _, task := range tasks {
		r.infos = append(r.infos, task.Info)
	}
	return r.MockRuntime.BatchResolveAsync(ctx, tasks)
}

func TestResolveInfo_DescribesSelection(t *testing.T) {
	sch := mustBuildSchema(t, "type Query { a(n: Int): String b: String }", "Query.a")
	rt := &recordingRuntime{MockRuntime: NewMockRuntime(map[string]MockResolver{
		"Query.a": NewMockValueResolver("A"),
		"Query.b": NewMockValueResolver("B"),
	})}
	doc := mustParseQuery(t, "query Q($n: Int) { first: a(n: $n) b }")

	res := NewExecutor(rt, sch).ExecuteRequest(context.Background(), doc, "", map[string]any{"n": float64(2)}, nil)
	require.Empty(t, res.Errors)
	require.Len(t, rt.infos, 2)

	syncInfo, asyncInfo := rt.infos[0], rt.infos[1]
	require.Equal(t, "b", syncInfo.FieldName)
	require.Equal(t, Path{"b"}, syncInfo.Path)

	require.Equal(t, "Query", asyncInfo.ObjectType)
	require.Equal(t, "a", asyncInfo.FieldName)
	require.Equal(t, "first", asyncInfo.ResponseName)
	require.Equal(t, Path{"first"}, asyncInfo.Path)
	require.Equal(t, "Q", asyncInfo.Operation.Name)
	require.Same(t, doc, asyncInfo.Document)
	require.Equal(t, map[string]any{"n": 2}, asyncInfo.Variables)
	require.Len(t, asyncInfo.Nodes, 1)
	require.Equal(t, "first", asyncInfo.Nodes[0].Alias)
	require.Same(t, sch, asyncInfo.Schema)
}
