package introspection

import (
	"context"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	executor "github.com/hanpama/brokerql/internal/executor"
	language "github.com/hanpama/brokerql/internal/language"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// noopRuntime implements executor.Runtime with no behaviour.
type noopRuntime struct{}

func (noopRuntime) ResolveSync(context.Context, *executor.ResolveInfo, any, map[string]any) (any, error) {
	return nil, nil
}

func (noopRuntime) BatchResolveAsync(context.Context, []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	return nil
}

func (noopRuntime) ResolveType(context.Context, string, any) (string, error) {
	return "", nil
}

func (noopRuntime) ResolveUnionConcreteValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (noopRuntime) ResolveInterfaceConcreteValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (noopRuntime) SerializeLeafValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func buildSchema(t *testing.T, sdl string) *schema.Schema {
	t.Helper()
	sch, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	return sch
}

func execute(t *testing.T, sch *schema.Schema, query string) *executor.ExecutionResult {
	t.Helper()
	wrapper := Wrap(noopRuntime{}, sch)
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	return executor.NewExecutor(wrapper.Runtime, wrapper.Schema).ExecuteRequest(context.Background(), doc, "", nil, nil)
}

func TestIntrospectionEnabled(t *testing.T) {
	sch := buildSchema(t, `type Query { hello: String }`)

	res := execute(t, sch, "{__schema{queryType{name}}}")
	require.Empty(t, res.Errors)

	want := map[string]any{"__schema": map[string]any{"queryType": map[string]any{"name": "Query"}}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestTypenameField(t *testing.T) {
	sch := buildSchema(t, `type Query { hello: String }`)
	// __typename works without the introspection wrapper
	doc, err := language.ParseQuery("{__typename}")
	require.NoError(t, err)

	res := executor.NewExecutor(noopRuntime{}, sch).ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"__typename": "Query"}, res.Data)
}

func TestTypeRefKinds(t *testing.T) {
	sch := buildSchema(t, heredoc.Doc(`
		type Query { user: User users: [User!]! }
		type User { id: ID! }
	`))

	res := execute(t, sch, `{ __type(name: "Query") { fields { name type { kind name ofType { kind name ofType { kind name } } } } } }`)
	require.Empty(t, res.Errors)

	want := map[string]any{"__type": map[string]any{"fields": []any{
		map[string]any{"name": "user", "type": map[string]any{"kind": "OBJECT", "name": "User", "ofType": nil}},
		map[string]any{"name": "users", "type": map[string]any{"kind": "NON_NULL", "name": nil, "ofType": map[string]any{
			"kind": "LIST", "name": nil, "ofType": map[string]any{"kind": "NON_NULL", "name": nil},
		}}},
	}}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestTypeQueryUnknownName(t *testing.T) {
	sch := buildSchema(t, `type Query { hello: String }`)

	res := execute(t, sch, `{ __type(name: "Nope") { name } }`)
	require.Empty(t, res.Errors)
	require.Equal(t, map[string]any{"__type": nil}, res.Data)
}

func TestBuildClientSchemaRoundTrip(t *testing.T) {
	// fields, arguments and enum values are listed alphabetically because
	// introspection returns them sorted
	sdl := heredoc.Doc(`
		type Query {
			node(id: ID!): Node
			products(after: String = "start", first: Int = 10): [Product!]!
			search(text: String!): [SearchResult]
		}

		type Mutation {
			createProduct(input: ProductInput!): Product
		}

		interface Node {
			id: ID!
		}

		type Product implements Node {
			id: ID!
			name: String @deprecated(reason: "use title")
			status: Status
			title: String
		}

		enum Status {
			ACTIVE
			RETIRED
		}

		input ProductInput {
			tags: [String!]
			title: String!
		}

		union SearchResult = Product

		scalar DateTime
	`)
	original := buildSchema(t, sdl)

	res := execute(t, original, Query)
	require.Empty(t, res.Errors)

	client, err := BuildClientSchema(res.Data)
	require.NoError(t, err)

	require.Equal(t, "Query", client.QueryType)
	require.Equal(t, "Mutation", client.MutationType)
	if diff := cmp.Diff(schema.Render(original), schema.Render(client)); diff != "" {
		t.Fatalf("rendered schema mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, int64(10), client.GetQueryType().Field("products").Arguments[1].DefaultValue)
}

func TestBuildClientSchemaErrors(t *testing.T) {
	_, err := BuildClientSchema(map[string]any{"data": nil})
	require.ErrorIs(t, err, ErrNoSchema)

	_, err = BuildClientSchema(map[string]any{"__schema": map[string]any{"types": []any{}}})
	require.ErrorContains(t, err, "no query type")

	_, err = BuildClientSchema(map[string]any{"__schema": map[string]any{
		"queryType": map[string]any{"name": "Query"},
		"types":     []any{},
	}})
	require.ErrorContains(t, err, "root type Query is not defined")
}
