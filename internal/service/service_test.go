package service

import (
	"context"
	"testing"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broker "github.com/hanpama/brokerql/internal/broker"
	executor "github.com/hanpama/brokerql/internal/executor"
	introspection "github.com/hanpama/brokerql/internal/introspection"
	language "github.com/hanpama/brokerql/internal/language"
)

var testSchema = heredoc.Doc(`
	type Query {
		hello: Hello
		defaultResolver: String
		provideOnlyType: String
		search: [SearchResult]
	}

	type Mutation {
		createHelloWithNewName: Hello
		createUser(id: Int!, name: String!): User
		addFromOtherService(input: AddInput!): Int
	}

	input AddInput {
		num1: Int!
		num2: Int!
	}

	type Hello {
		name: String
	}

	type User {
		id: Int!
		name: String!
	}

	type CustomType {
		customType: String
	}

	union SearchResult = Hello | User
`)

type testResolvers struct{}

func (testResolvers) Hello(context.Context, ResolveParams) (any, error) {
	return map[string]any{"name": "Hello"}, nil
}

func (testResolvers) CreateHello(context.Context, ResolveParams) (any, error) {
	return map[string]any{"name": "createHelloWithNewName"}, nil
}

func (testResolvers) DefaultResolver(context.Context, ResolveParams) (any, error) {
	return "defaultResolver", nil
}

func (testResolvers) ProvideOnlyType(context.Context, ResolveParams) (any, error) {
	return "provideOnlyType", nil
}

func (testResolvers) CustomType(context.Context, ResolveParams) (any, error) {
	return "customType", nil
}

func (testResolvers) CreateUser(_ context.Context, p ResolveParams) (any, error) {
	return struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}{ID: p.Args["id"].(int), Name: p.Args["name"].(string)}, nil
}

func (testResolvers) AddFromOtherService(ctx context.Context, p ResolveParams) (any, error) {
	return broker.Call(ctx, "math.add", p.Args["input"].(map[string]any))
}

func (testResolvers) Search(context.Context, ResolveParams) (any, error) {
	return []any{
		map[string]any{"__typename": "Hello", "name": "h"},
		map[string]any{"__typename": "User", "id": 1, "name": "u"},
	}, nil
}

// not a resolver: wrong signature
func (testResolvers) Helper() string { return "" }

func newTestTable(t *testing.T) *ResolverTable {
	t.Helper()
	table := NewResolverTable()
	require.NoError(t, table.RegisterMethods(testResolvers{}, map[string]ResolverOptions{
		"Hello":               {Name: "hello", Type: "Query"},
		"CreateHello":         {Name: "createHelloWithNewName", Type: "Mutation"},
		"ProvideOnlyType":     {Type: "Query"},
		"CustomType":          {Type: "CustomType"},
		"CreateUser":          {Type: "Mutation"},
		"AddFromOtherService": {Type: "Mutation"},
	}))
	return table
}

func newTestBroker(t *testing.T) *broker.Local {
	t.Helper()
	b := broker.NewLocal()
	b.AddService(context.Background(), broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: "math"},
		Handlers: map[string]broker.ActionHandler{
			"add": func(_ context.Context, req *broker.Request) (any, error) {
				return req.Params["num1"].(int) + req.Params["num2"].(int), nil
			},
		},
	})
	svc, err := New(Options{Name: "test", Schema: testSchema, Resolvers: newTestTable(t)})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), b, nil)
	require.NoError(t, err)
	return b
}

func call(t *testing.T, b broker.Caller, action string, params map[string]any) *executor.ExecutionResult {
	t.Helper()
	res, err := b.Call(context.Background(), action, params)
	require.NoError(t, err)
	out, ok := res.(*executor.ExecutionResult)
	require.True(t, ok, "unexpected result %T", res)
	return out
}

func TestMissingSchema(t *testing.T) {
	_, err := New(Options{Name: "test"})
	require.ErrorIs(t, err, ErrMissingSchema)
	assert.Equal(t, `[GraphQLServiceMixin] Please define: "schema"`, err.Error())
}

func TestResolverDefaultNaming(t *testing.T) {
	table := newTestTable(t)

	assert.Equal(t, []string{"CustomType", "Mutation", "Query"}, table.Types())
	assert.Equal(t, []string{"defaultResolver", "hello", "provideOnlyType", "search"}, table.Fields("Query"))
	assert.Equal(t, []string{"addFromOtherService", "createHelloWithNewName", "createUser"}, table.Fields("Mutation"))
	assert.Equal(t, []string{"customType"}, table.Fields("CustomType"))
	assert.NotNil(t, table.Lookup("CustomType", "customType"))
	assert.Nil(t, table.Lookup("Query", "helper"))
}

func TestRegister(t *testing.T) {
	table := NewResolverTable()
	fn := func(context.Context, ResolveParams) (any, error) { return nil, nil }

	require.NoError(t, table.Register("plain", fn))
	require.NoError(t, table.Register("renamed", fn, ResolverOptions{Name: "other"}))
	require.NoError(t, table.Register("typed", fn, ResolverOptions{Type: "CustomType"}))
	assert.Error(t, table.Register("", fn))
	assert.Error(t, table.Register("nilfn", nil))

	assert.Equal(t, []string{"other", "plain"}, table.Fields("Query"))
	assert.Equal(t, []string{"typed"}, table.Fields("CustomType"))

	table.Freeze()
	assert.True(t, table.Frozen())
	assert.ErrorIs(t, table.Register("late", fn), ErrFrozen)

	err := NewResolverTable().RegisterMethods(testResolvers{}, map[string]ResolverOptions{"Missing": {}})
	assert.ErrorContains(t, err, "has no method Missing")
	err = NewResolverTable().RegisterMethods(struct{}{}, nil)
	assert.ErrorContains(t, err, "no resolver methods")
}

func TestStringSchemaService(t *testing.T) {
	table := NewResolverTable().MustRegister("hello", func(context.Context, ResolveParams) (any, error) {
		return "TestStringSchemaService", nil
	})
	svc, err := New(Options{Name: "test-ss", Schema: "type Query { hello: String! }", Resolvers: table})
	require.NoError(t, err)
	b := broker.NewLocal()
	_, err = svc.Register(context.Background(), b, nil)
	require.NoError(t, err)

	res := call(t, b, "test-ss.graphql", map[string]any{"query": "query { hello }"})
	require.Empty(t, res.Errors)
	assert.Equal(t, map[string]any{"hello": "TestStringSchemaService"}, res.Data)
}

func TestDocumentSchemaWithFragments(t *testing.T) {
	doc, err := language.ParseSchema("schema.graphql", "type Query { a: String }")
	require.NoError(t, err)
	table := NewResolverTable().
		MustRegister("a", func(context.Context, ResolveParams) (any, error) { return "A", nil }).
		MustRegister("b", func(context.Context, ResolveParams) (any, error) { return "B", nil })
	svc, err := New(Options{
		Name:      "doc",
		Document:  doc,
		Fragments: []string{"extend type Query { b: String }"},
		Resolvers: table,
	})
	require.NoError(t, err)

	res, err := svc.Execute(context.Background(), "{ a b }", "", nil)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	assert.Equal(t, map[string]any{"a": "A", "b": "B"}, res.Data)
}

func TestServiceQueries(t *testing.T) {
	b := newTestBroker(t)

	tests := []struct {
		name      string
		query     string
		variables map[string]any
		want      any
	}{
		{
			name:  "query",
			query: "query { hello { name } }",
			want:  map[string]any{"hello": map[string]any{"name": "Hello"}},
		},
		{
			name:  "default resolver name",
			query: "{ defaultResolver provideOnlyType }",
			want:  map[string]any{"defaultResolver": "defaultResolver", "provideOnlyType": "provideOnlyType"},
		},
		{
			name:  "mutation with alias",
			query: "mutation { created: createHelloWithNewName { name } }",
			want:  map[string]any{"created": map[string]any{"name": "createHelloWithNewName"}},
		},
		{
			name: "mutation with variables",
			query: heredoc.Doc(`
				mutation createUser($id: Int!, $name: String!) {
					user: createUser(id: $id, name: $name) { id name }
				}
			`),
			variables: map[string]any{"id": 1, "name": "Luc Duong"},
			want:      map[string]any{"user": map[string]any{"id": 1, "name": "Luc Duong"}},
		},
		{
			name: "call other service",
			query: heredoc.Doc(`
				mutation addFromOtherService($input: AddInput!) {
					sum: addFromOtherService(input: $input)
				}
			`),
			variables: map[string]any{"input": map[string]any{"num1": 1, "num2": 1}},
			want:      map[string]any{"sum": 2},
		},
		{
			name:  "union resolved by __typename",
			query: "{ search { __typename ... on Hello { name } ... on User { id } } }",
			want: map[string]any{"search": []any{
				map[string]any{"__typename": "Hello", "name": "h"},
				map[string]any{"__typename": "User", "id": 1},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{"query": tt.query}
			if tt.variables != nil {
				params["variables"] = tt.variables
			}
			res := call(t, b, "test.graphql", params)
			require.Empty(t, res.Errors)
			if diff := cmp.Diff(tt.want, res.Data); diff != "" {
				t.Fatalf("data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServiceIntrospection(t *testing.T) {
	b := newTestBroker(t)
	res := call(t, b, "test.graphql", map[string]any{"query": introspection.Query})
	require.Empty(t, res.Errors)

	sch, err := introspection.BuildClientSchema(res.Data)
	require.NoError(t, err)
	assert.NotNil(t, sch.Types["CustomType"])
	assert.Equal(t, "Mutation", sch.MutationType)
}

func TestHandleValidation(t *testing.T) {
	b := newTestBroker(t)

	for _, params := range []map[string]any{
		{},
		{"query": 1},
		{"query": "{ hello { name } }", "variables": "x"},
		{"query": "{ hello { name } }", "operationName": 1},
	} {
		_, err := b.Call(context.Background(), "test.graphql", params)
		var ve *broker.ValidationError
		assert.ErrorAs(t, err, &ve, "%v", params)
	}

	res := call(t, b, "test.graphql", map[string]any{"query": "{ hello {"})
	require.Len(t, res.Errors, 1)
	assert.Nil(t, res.Data)
}

func TestPrepareSchemaOnce(t *testing.T) {
	svc, err := New(Options{Name: "bad", Schema: "type Query { a: Missing }"})
	require.NoError(t, err, "compilation is lazy")
	assert.Error(t, svc.PrepareSchema(context.Background()))
	assert.Nil(t, svc.Schema())

	svc, err = New(Options{Name: "ok", Version: "2", Schema: "type Query { a: String }"})
	require.NoError(t, err)
	require.NoError(t, svc.PrepareSchema(context.Background()))
	first := svc.Schema()
	require.NoError(t, svc.PrepareSchema(context.Background()))
	assert.Same(t, first, svc.Schema())
	assert.Equal(t, "v2.ok", svc.Name())
}

func TestResultCache(t *testing.T) {
	var n int
	table := NewResolverTable().
		MustRegister("count", func(context.Context, ResolveParams) (any, error) { n++; return n, nil }).
		MustRegister("bump", func(context.Context, ResolveParams) (any, error) { n++; return n, nil }, ResolverOptions{Type: "Mutation"})
	svc, err := New(Options{
		Name:      "counter",
		Schema:    "type Query { count(x: Int): Int } type Mutation { bump: Int }",
		Resolvers: table,
		Cache:     CacheOptions{Enable: true, TTL: time.Minute},
	})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := svc.Execute(ctx, "{ count }", "", nil)
	require.NoError(t, err)
	second, err := svc.Execute(ctx, "{ count }", "", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := svc.Execute(ctx, "query($x: Int) { count(x: $x) }", "", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": 2}, other.Data)

	m1, _ := svc.Execute(ctx, "mutation { bump }", "", nil)
	m2, _ := svc.Execute(ctx, "mutation { bump }", "", nil)
	assert.NotEqual(t, m1.Data, m2.Data, "mutations are never cached")
}

func TestDefaultResolve(t *testing.T) {
	type inner struct {
		Name   string
		Tagged string `json:"tag,omitempty"`
		hidden string
	}
	v := &inner{Name: "n", Tagged: "t", hidden: "h"}

	assert.Equal(t, "n", DefaultResolve(v, "name"))
	assert.Equal(t, "t", DefaultResolve(v, "tag"))
	assert.Nil(t, DefaultResolve(v, "hidden"))
	assert.Nil(t, DefaultResolve((*inner)(nil), "name"))
	assert.Equal(t, 1, DefaultResolve(map[string]int{"a": 1}, "a"))
	assert.Nil(t, DefaultResolve(nil, "a"))
}
