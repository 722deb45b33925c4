package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	broker "github.com/hanpama/brokerql/internal/broker"
	executor "github.com/hanpama/brokerql/internal/executor"
	language "github.com/hanpama/brokerql/internal/language"
	link "github.com/hanpama/brokerql/internal/link"
	remote "github.com/hanpama/brokerql/internal/remote"
	service "github.com/hanpama/brokerql/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingBroker counts the calls made through it.
type recordingBroker struct {
	*broker.Local
	mu     sync.Mutex
	params map[string][]map[string]any
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{Local: broker.NewLocal(), params: map[string][]map[string]any{}}
}

func (b *recordingBroker) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	b.mu.Lock()
	b.params[action] = append(b.params[action], params)
	b.mu.Unlock()
	return b.Local.Call(ctx, action, params)
}

func (b *recordingBroker) calls(action string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.params[action]...)
}

// queries returns the delegated queries sent to action, introspection excluded.
func (b *recordingBroker) queries(action string) []string {
	var out []string
	for _, p := range b.calls(action) {
		q, _ := p["query"].(string)
		if strings.Contains(q, "__schema") {
			continue
		}
		out = append(out, q)
	}
	return out
}

func (b *recordingBroker) introspections(action string) int {
	n := 0
	for _, p := range b.calls(action) {
		if q, _ := p["query"].(string); strings.Contains(q, "__schema") {
			n++
		}
	}
	return n
}

func resolve(v any) service.ResolverFunc {
	return func(context.Context, service.ResolveParams) (any, error) { return v, nil }
}

func addService(t *testing.T, b service.Registrar, opts service.Options) func() {
	t.Helper()
	svc, err := service.New(opts)
	require.NoError(t, err)
	remove, err := svc.Register(context.Background(), b, nil)
	require.NoError(t, err)
	return remove
}

func addPim(t *testing.T, b service.Registrar) func() {
	return addService(t, b, service.Options{
		Name: "pim",
		Schema: heredoc.Doc(`
			type Query {
				allPimPjts: PimPjtsConnection
			}

			type PimPjtsConnection {
				nodes: [PimPjt]
				totalCount: Int!
			}

			type PimPjt {
				id: Int!
				name: String
				description: String
			}
		`),
		Resolvers: service.NewResolverTable().MustRegister("allPimPjts", resolve(map[string]any{
			"totalCount": 2,
			"nodes": []any{
				map[string]any{"id": 1, "name": "p1", "description": "first"},
				map[string]any{"id": 2, "name": "p2"},
			},
		})),
	})
}

func addAdm(t *testing.T, b service.Registrar) func() {
	return addService(t, b, service.Options{
		Name: "adm",
		Schema: heredoc.Doc(`
			type Query {
				allAdmUsers: [AdmUser]
			}

			type AdmUser {
				id: Int!
				email: String
			}
		`),
		Resolvers: service.NewResolverTable().MustRegister("allAdmUsers", resolve([]any{
			map[string]any{"id": 1, "email": "a@example.com"},
		})),
	})
}

func execute(t *testing.T, e *Engine, query string, variables map[string]any) *executor.ExecutionResult {
	t.Helper()
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), doc, "", variables)
	require.NoError(t, err)
	return res
}

func requireData(t *testing.T, want any, res *executor.ExecutionResult) {
	t.Helper()
	require.Empty(t, res.Errors)
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestFederatedQuery(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	addAdm(t, b)
	e := New(b)

	res := execute(t, e, "{ allPimPjts { nodes { id name description } } }", nil)
	requireData(t, map[string]any{
		"allPimPjts": map[string]any{
			"nodes": []any{
				map[string]any{"id": 1, "name": "p1", "description": "first"},
				map[string]any{"id": 2, "name": "p2", "description": nil},
			},
		},
	}, res)
	assert.Len(t, b.queries("pim.graphql"), 1)
	assert.Empty(t, b.queries("adm.graphql"))

	res = execute(t, e, heredoc.Doc(`
		query Both {
			count: allPimPjts { totalCount }
			allAdmUsers { email }
			again: allPimPjts { nodes { id } }
		}
	`), nil)
	requireData(t, map[string]any{
		"count":       map[string]any{"totalCount": 2},
		"allAdmUsers": []any{map[string]any{"email": "a@example.com"}},
		"again": map[string]any{"nodes": []any{
			map[string]any{"id": 1},
			map[string]any{"id": 2},
		}},
	}, res)
	assert.Len(t, b.queries("pim.graphql"), 2, "both pim fields share one delegated operation")
	assert.Len(t, b.queries("adm.graphql"), 1)
}

func TestRebuildIsIdempotent(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	e := New(b)
	assert.True(t, e.Dirty())
	assert.Nil(t, e.Snapshot())

	first, err := e.EnsureFresh(context.Background())
	require.NoError(t, err)
	second, err := e.EnsureFresh(context.Background())
	require.NoError(t, err)
	execute(t, e, "{ allPimPjts { totalCount } }", nil)

	assert.Same(t, first, second)
	assert.False(t, e.Dirty())
	assert.Equal(t, uint64(1), e.Rebuilds())
	assert.Equal(t, 1, b.introspections("pim.graphql"))
}

func TestDedupByNamespacedName(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	addPim(t, b)
	addService(t, b, service.Options{Name: "pim", Version: "2", Schema: "type Query { v2: String }"})
	e := New(b)

	snap, err := e.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pim", "v2.pim"}, snap.Services)
	assert.Equal(t, 1, b.introspections("pim.graphql"))
	assert.Equal(t, 1, b.introspections("v2.pim.graphql"))

	owner, ok := snap.Owner("Query", "v2")
	assert.True(t, ok)
	assert.Equal(t, "v2.pim", owner)
}

func TestInvalidation(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	e := New(b)
	stop := e.Start(context.Background())
	defer stop()

	var (
		mu      sync.Mutex
		updated []string
	)
	b.On(EventSchemaUpdated, func(_ context.Context, payload any) {
		mu.Lock()
		defer mu.Unlock()
		updated = append(updated, payload.(map[string]any)["schema"].(string))
	})

	res := execute(t, e, "{ adm: __typename }", nil)
	requireData(t, map[string]any{"adm": "Query"}, res)
	assert.False(t, e.Dirty())

	addAdm(t, b)
	assert.True(t, e.Dirty())
	assert.Equal(t, uint64(1), e.Rebuilds(), "invalidation never rebuilds")

	res = execute(t, e, "{ allAdmUsers { id } }", nil)
	requireData(t, map[string]any{"allAdmUsers": []any{map[string]any{"id": 1}}}, res)
	assert.Equal(t, uint64(2), e.Rebuilds())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updated, 2)
	assert.NotContains(t, updated[0], "allAdmUsers")
	assert.Contains(t, updated[1], "allAdmUsers")
}

func TestStopUnsubscribes(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	e := New(b)
	stop := e.Start(context.Background())
	_, err := e.EnsureFresh(context.Background())
	require.NoError(t, err)

	stop()
	addAdm(t, b)
	assert.False(t, e.Dirty())
}

func addBroken(b *recordingBroker) func() {
	return b.AddService(context.Background(), broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: "broken", GraphQL: true},
		Handlers: map[string]broker.ActionHandler{
			"graphql": func(context.Context, *broker.Request) (any, error) {
				return nil, errors.New("boom")
			},
		},
	})
}

func TestRebuildFailure(t *testing.T) {
	t.Run("without previous schema", func(t *testing.T) {
		b := newRecordingBroker()
		addBroken(b)
		e := New(b)

		doc, err := language.ParseQuery("{ __typename }")
		require.NoError(t, err)
		_, err = e.Execute(context.Background(), doc, "", nil)
		var sbe *remote.SchemaBuildError
		require.ErrorAs(t, err, &sbe)
		assert.Equal(t, "broken", sbe.Service)
		assert.ErrorContains(t, err, "boom")
		assert.True(t, e.Dirty())
	})

	t.Run("fails the request and keeps previous schema", func(t *testing.T) {
		b := newRecordingBroker()
		addPim(t, b)
		e := New(b)
		stop := e.Start(context.Background())
		defer stop()
		execute(t, e, "{ allPimPjts { totalCount } }", nil)

		prev := e.Snapshot()
		require.NotNil(t, prev)

		remove := addBroken(b)
		doc, err := language.ParseQuery("{ allPimPjts { totalCount } }")
		require.NoError(t, err)
		res, err := e.Execute(context.Background(), doc, "", nil)
		var sbe *remote.SchemaBuildError
		require.ErrorAs(t, err, &sbe)
		assert.Equal(t, "broken", sbe.Service)
		assert.Nil(t, res)
		assert.Same(t, prev, e.Snapshot())
		assert.True(t, e.Dirty())
		assert.Equal(t, uint64(1), e.Rebuilds())

		remove()
		execute(t, e, "{ allPimPjts { totalCount } }", nil)
		assert.False(t, e.Dirty())
		assert.Equal(t, uint64(2), e.Rebuilds())
	})
}

func TestSingleFlightRebuild(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	e := New(b, WithSingleFlight())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EnsureFresh(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, e.Dirty())
	assert.NotNil(t, e.Snapshot())
}

var usersSDL = heredoc.Doc(`
	type Query {
		createUserStub: User
	}

	type Mutation {
		createUser(id: Int!, name: String!): User
		renameUser(id: Int!, name: String!): User
	}

	type User {
		id: Int!
		name: String!
	}
`)

func userResolver(_ context.Context, p service.ResolveParams) (any, error) {
	return map[string]any{"id": p.Args["id"], "name": p.Args["name"]}, nil
}

func TestMutationWithVariables(t *testing.T) {
	b := newRecordingBroker()
	addService(t, b, service.Options{
		Name:   "users",
		Schema: usersSDL,
		Resolvers: service.NewResolverTable().
			MustRegister("createUser", userResolver, service.ResolverOptions{Type: "Mutation"}).
			MustRegister("renameUser", userResolver, service.ResolverOptions{Type: "Mutation"}),
	})
	e := New(b)

	res := execute(t, e, heredoc.Doc(`
		mutation createUser($id: Int!, $name: String!, $unused: String) {
			user: createUser(id: $id, name: $name) { id name }
		}
	`), map[string]any{"id": 1, "name": "Luc Duong"})
	requireData(t, map[string]any{"user": map[string]any{"id": 1, "name": "Luc Duong"}}, res)

	calls := b.queries("users.graphql")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "user: createUser")
	assert.NotContains(t, calls[0], "$unused")
	delegated := b.calls("users.graphql")
	sent := delegated[len(delegated)-1]
	assert.Equal(t, "createUser", sent["operationName"])
	assert.Equal(t, map[string]any{"id": 1, "name": "Luc Duong"}, sent["variables"])
}

func TestMutationsRunInOrder(t *testing.T) {
	b := newRecordingBroker()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string, fn service.ResolverFunc) service.ResolverFunc {
		return func(ctx context.Context, p service.ResolveParams) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return fn(ctx, p)
		}
	}
	addService(t, b, service.Options{
		Name:      "users",
		Schema:    usersSDL,
		Resolvers: service.NewResolverTable().MustRegister("createUser", record("create", userResolver), service.ResolverOptions{Type: "Mutation"}),
	})
	addService(t, b, service.Options{
		Name:      "names",
		Schema:    "type Query { a: String } type Mutation { rename(id: Int!): Int }",
		Resolvers: service.NewResolverTable().MustRegister("rename", record("rename", func(_ context.Context, p service.ResolveParams) (any, error) {
			return p.Args["id"], nil
		}), service.ResolverOptions{Type: "Mutation"}),
	})
	e := New(b)

	res := execute(t, e, `mutation { a: createUser(id: 1, name: "a") { id } r: rename(id: 1) b: createUser(id: 2, name: "b") { id } }`, nil)
	require.Empty(t, res.Errors)
	assert.Equal(t, []string{"create", "rename", "create"}, order)
	assert.Len(t, b.queries("users.graphql"), 2)
}

func TestCrossServiceCall(t *testing.T) {
	b := newRecordingBroker()
	b.AddService(context.Background(), broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: "math"},
		Handlers: map[string]broker.ActionHandler{
			"add": func(_ context.Context, req *broker.Request) (any, error) {
				return req.Params["num1"].(int) + req.Params["num2"].(int), nil
			},
		},
	})
	addService(t, b, service.Options{
		Name: "calc",
		Schema: heredoc.Doc(`
			type Query { ping: String }
			type Mutation { addFromOtherService(input: AddInput!): Int }
			input AddInput { num1: Int! num2: Int! }
		`),
		Resolvers: service.NewResolverTable().MustRegister("addFromOtherService", func(ctx context.Context, p service.ResolveParams) (any, error) {
			return broker.Call(ctx, "math.add", p.Args["input"].(map[string]any))
		}, service.ResolverOptions{Type: "Mutation"}),
	})
	e := New(b)

	res := execute(t, e, `mutation add($input: AddInput!) { addFromOtherService(input: $input) }`,
		map[string]any{"input": map[string]any{"num1": 1, "num2": 1}})
	requireData(t, map[string]any{"addFromOtherService": 2}, res)
}

func addPosts(t *testing.T, b service.Registrar, dataLoader bool) {
	addService(t, b, service.Options{
		Name: "posts",
		Schema: heredoc.Doc(`
			type Query {
				posts: [Post]
			}

			type Post {
				id: Int!
				title: String
				authorId: Int
			}
		`),
		TypeDefs: heredoc.Doc(`
			type Author {
				id: Int!
				name: String
			}

			extend type Post {
				author(upper: Boolean): Author
			}
		`),
		Links: map[string]map[string]broker.ResolverSpec{
			"Post": {"author": {
				Action:     "authors.byIds",
				DataLoader: dataLoader,
				RootParams: []broker.RootParam{{Field: "authorId", Param: "ids"}},
				Params:     map[string]any{"source": "gateway"},
			}},
		},
		Resolvers: service.NewResolverTable().MustRegister("posts", resolve([]any{
			map[string]any{"id": 1, "title": "a", "authorId": 1},
			map[string]any{"id": 2, "title": "b", "authorId": 2},
			map[string]any{"id": 3, "title": "c", "authorId": 1},
			map[string]any{"id": 4, "title": "d"},
		})),
	})
}

func addAuthors(b *recordingBroker) {
	b.AddService(context.Background(), broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{Name: "authors"},
		Handlers: map[string]broker.ActionHandler{
			"byIds": func(_ context.Context, req *broker.Request) (any, error) {
				var ids []any
				switch v := req.Params["ids"].(type) {
				case []any:
					ids = v
				default:
					ids = []any{v}
				}
				out := make([]any, len(ids))
				for i, id := range ids {
					out[i] = map[string]any{"id": id, "name": fmt.Sprintf("author-%v", id)}
				}
				if _, ok := req.Params["ids"].([]any); ok {
					return out, nil
				}
				return out[0], nil
			},
		},
	})
}

func TestLinkedFieldsAreBatched(t *testing.T) {
	b := newRecordingBroker()
	addPosts(t, b, true)
	addAuthors(b)
	e := New(b)

	res := execute(t, e, "{ posts { title author { name } } }", nil)
	requireData(t, map[string]any{"posts": []any{
		map[string]any{"title": "a", "author": map[string]any{"name": "author-1"}},
		map[string]any{"title": "b", "author": map[string]any{"name": "author-2"}},
		map[string]any{"title": "c", "author": map[string]any{"name": "author-1"}},
		map[string]any{"title": "d", "author": nil},
	}}, res)

	calls := b.calls("authors.byIds")
	require.Len(t, calls, 1)
	assert.Equal(t, []any{json.Number("1"), json.Number("2")}, calls[0]["ids"])
	assert.Equal(t, "gateway", calls[0]["source"])

	delegated := b.queries("posts.graphql")
	require.Len(t, delegated, 1)
	assert.Contains(t, delegated[0], "_gw_authorId: authorId")
	assert.NotContains(t, delegated[0], "author {")

	res = execute(t, e, "{ posts { id } again: posts { author { id } } }", nil)
	require.Empty(t, res.Errors)
	assert.Len(t, b.calls("authors.byIds"), 2, "loaders are scoped to one request")
}

func TestLinkedFieldsShareActionWave(t *testing.T) {
	b := newRecordingBroker()
	byIDs := func(field string) broker.ResolverSpec {
		return broker.ResolverSpec{
			Action:     "authors.byIds",
			DataLoader: true,
			RootParams: []broker.RootParam{{Field: field, Param: "ids"}},
		}
	}
	addService(t, b, service.Options{
		Name: "posts",
		Schema: heredoc.Doc(`
			type Query {
				posts: [Post]
			}

			type Post {
				id: Int!
				authorId: Int
				editorId: Int
			}
		`),
		TypeDefs: heredoc.Doc(`
			type Author {
				id: Int!
				name: String
			}

			extend type Post {
				author: Author
				editor: Author
			}
		`),
		Links: map[string]map[string]broker.ResolverSpec{
			"Post": {"author": byIDs("authorId"), "editor": byIDs("editorId")},
		},
		Resolvers: service.NewResolverTable().MustRegister("posts", resolve([]any{
			map[string]any{"id": 1, "authorId": 1, "editorId": 2},
			map[string]any{"id": 2, "authorId": 3, "editorId": 4},
		})),
	})
	addAuthors(b)
	e := New(b)

	res := execute(t, e, "{ posts { author { name } editor { name } } }", nil)
	requireData(t, map[string]any{"posts": []any{
		map[string]any{"author": map[string]any{"name": "author-1"}, "editor": map[string]any{"name": "author-2"}},
		map[string]any{"author": map[string]any{"name": "author-3"}, "editor": map[string]any{"name": "author-4"}},
	}}, res)

	calls := b.calls("authors.byIds")
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []any{json.Number("1"), json.Number("2"), json.Number("3"), json.Number("4")}, calls[0]["ids"])
}

func TestLinkedFieldsWithoutLoader(t *testing.T) {
	b := newRecordingBroker()
	addPosts(t, b, false)
	addAuthors(b)
	e := New(b)

	res := execute(t, e, "{ posts { author(upper: true) { id } } }", nil)
	require.Empty(t, res.Errors)
	assert.Nil(t, res.Data.(map[string]any)["posts"].([]any)[3].(map[string]any)["author"])
	calls := b.calls("authors.byIds")
	assert.Len(t, calls, 3, "one call per parent with a key")
	for _, c := range calls {
		assert.Equal(t, true, c["upper"])
	}
}

func TestBackendErrors(t *testing.T) {
	b := newRecordingBroker()
	addService(t, b, service.Options{
		Name: "flaky",
		Schema: heredoc.Doc(`
			type Query {
				nullable: Item
				required: Item!
				ok: String
			}

			type Item {
				value: String!
			}
		`),
		Resolvers: service.NewResolverTable().
			MustRegister("nullable", func(context.Context, service.ResolveParams) (any, error) {
				return nil, errors.New("nullable failed")
			}).
			MustRegister("required", func(context.Context, service.ResolveParams) (any, error) {
				return nil, errors.New("required failed")
			}).
			MustRegister("ok", resolve("fine")),
	})
	e := New(b)

	res := execute(t, e, "{ nullable { value } required { value } ok }", nil)
	assert.Equal(t, "fine", res.Data.(map[string]any)["ok"])
	assert.Nil(t, res.Data.(map[string]any)["nullable"])

	var messages []string
	for _, err := range res.Errors {
		messages = append(messages, err.Message)
		assert.NotContains(t, err.Message, "Cannot return null")
	}
	assert.ElementsMatch(t, []string{"nullable failed", "required failed"}, messages)
	for _, err := range res.Errors {
		require.Len(t, err.Path, 1)
	}
}

func TestTransportErrorIsFieldError(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	addAdm(t, b)
	e := New(b)
	_, err := e.EnsureFresh(context.Background())
	require.NoError(t, err)

	require.True(t, b.RemoveService(context.Background(), "adm"))
	// The snapshot still routes allAdmUsers to adm until it is invalidated.
	res := execute(t, e, "{ allPimPjts { totalCount } allAdmUsers { id } }", nil)
	data := res.Data.(map[string]any)
	assert.Equal(t, map[string]any{"totalCount": 2}, data["allPimPjts"])
	assert.Nil(t, data["allAdmUsers"])
	require.Len(t, res.Errors, 1)
	assert.Equal(t, executor.Path{"allAdmUsers"}, res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "adm.graphql")
}

func TestFederatedIntrospection(t *testing.T) {
	b := newRecordingBroker()
	addPim(t, b)
	addPosts(t, b, true)
	e := New(b)

	res := execute(t, e, `{ __type(name: "Post") { fields { name } } }`, nil)
	require.Empty(t, res.Errors)
	fields := res.Data.(map[string]any)["__type"].(map[string]any)["fields"].([]any)
	var names []string
	for _, f := range fields {
		names = append(names, f.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"author", "authorId", "id", "title"}, names)
}

func TestLocalSchema(t *testing.T) {
	svc, err := service.New(service.Options{
		Name:      "local",
		Schema:    "type Query { version: String }",
		Resolvers: service.NewResolverTable().MustRegister("version", resolve("1.0")),
	})
	require.NoError(t, err)
	require.NoError(t, svc.PrepareSchema(context.Background()))

	b := newRecordingBroker()
	addPim(t, b)
	e := New(b, WithLocalSchema("local", localExecutor{svc}, svc.Schema()))

	res := execute(t, e, "{ version allPimPjts { totalCount } }", nil)
	requireData(t, map[string]any{
		"version":    "1.0",
		"allPimPjts": map[string]any{"totalCount": 2},
	}, res)
	assert.Equal(t, []string{"local", "pim"}, e.Snapshot().Services)
}

// localExecutor serves a link.Executor from an in-process service.
type localExecutor struct {
	svc *service.GraphQLService
}

func (l localExecutor) Execute(ctx context.Context, op link.Operation) (*link.Result, error) {
	res, err := l.svc.Execute(ctx, language.PrintQuery(op.Query), op.OperationName, op.Variables)
	if err != nil {
		return nil, err
	}
	return link.DecodeResult(res)
}
