// Package service runs inside a backend service: it compiles the service's
// own schema, executes GraphQL operations with the service's resolver table
// and exposes that as one broker action.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/vektah/gqlparser/v2/ast"

	broker "github.com/hanpama/brokerql/internal/broker"
	executor "github.com/hanpama/brokerql/internal/executor"
	introspection "github.com/hanpama/brokerql/internal/introspection"
	language "github.com/hanpama/brokerql/internal/language"
	log "github.com/hanpama/brokerql/internal/log"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// ErrMissingSchema is returned by New when neither a schema string nor a
// schema document is given.
var ErrMissingSchema = errors.New(`[GraphQLServiceMixin] Please define: "schema"`)

// DefaultAction is the name of the exposed GraphQL action.
const DefaultAction = "graphql"

// Options configures a GraphQLService.
type Options struct {
	Name    string
	Version string

	// Schema is the SDL of the service. Document is used when Schema is empty.
	Schema   string
	Document *ast.SchemaDocument
	// Fragments are extra SDL sources merged into the schema.
	Fragments []string

	// Action is the exposed action name, "graphql" by default.
	Action    string
	Resolvers *ResolverTable

	// Links declares gateway-side linked resolvers advertised with the
	// service descriptor: type -> field -> spec.
	Links map[string]map[string]broker.ResolverSpec
	// TypeDefs is extra SDL merged by the gateway, e.g. linked field declarations.
	TypeDefs string

	Cache  CacheOptions
	Logger logr.Logger
}

// GraphQLService executes operations against one backend schema.
type GraphQLService struct {
	opts      Options
	resolvers *ResolverTable
	cache     *resultCache

	mu     sync.Mutex
	dirty  bool
	schema *schema.Schema
	exec   *executor.Executor
}

// New validates opts and returns a service. The schema is compiled lazily by
// PrepareSchema.
func New(opts Options) (*GraphQLService, error) {
	if opts.Schema == "" && opts.Document == nil {
		return nil, ErrMissingSchema
	}
	if opts.Action == "" {
		opts.Action = DefaultAction
	}
	resolvers := opts.Resolvers
	if resolvers == nil {
		resolvers = NewResolverTable()
	}
	resolvers.Freeze()
	return &GraphQLService{
		opts:      opts,
		resolvers: resolvers,
		cache:     newResultCache(opts.Cache),
		dirty:     true,
	}, nil
}

// Name returns the namespaced service name.
func (s *GraphQLService) Name() string { return broker.FullName(s.opts.Name, s.opts.Version) }

// PrepareSchema compiles the schema once.
func (s *GraphQLService) PrepareSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	logger := log.Or(ctx, s.opts.Logger).WithValues("service", s.Name())
	logger.Info("compiling GraphQL schema")

	sdl := s.opts.Schema
	if sdl == "" {
		sdl = language.PrintSchemaDocument(s.opts.Document)
	}
	sch, err := schema.BuildFromSDL(sdl, s.opts.Fragments...)
	if err != nil {
		logger.Error(err, "failed to compile GraphQL schema")
		return fmt.Errorf("service %s: %w", s.Name(), err)
	}
	w := introspection.Wrap(&runtime{resolvers: s.resolvers}, sch)
	s.schema = sch
	s.exec = executor.NewExecutor(w.Runtime, w.Schema)
	s.dirty = false
	return nil
}

// Schema returns the compiled schema without introspection types, or nil
// before PrepareSchema.
func (s *GraphQLService) Schema() *schema.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// Execute runs one operation. A query that fails to parse yields a result
// carrying the syntax error.
func (s *GraphQLService) Execute(ctx context.Context, query, operationName string, variables map[string]any) (*executor.ExecutionResult, error) {
	if err := s.PrepareSchema(ctx); err != nil {
		return nil, err
	}
	doc, err := language.ParseQuery(query)
	if err != nil {
		return &executor.ExecutionResult{Errors: []executor.GraphQLError{{Message: err.Error()}}}, nil
	}

	cacheable := s.cache != nil && isQuery(doc, operationName)
	var key string
	if cacheable {
		key = cacheKey(query, operationName, variables)
		if res, ok := s.cache.Get(key); ok {
			return res, nil
		}
	}

	s.mu.Lock()
	exec := s.exec
	s.mu.Unlock()
	res := exec.ExecuteRequest(ctx, doc, operationName, variables, nil)
	if cacheable && len(res.Errors) == 0 {
		s.cache.Add(key, res)
	}
	return res, nil
}

// Handle is the broker action: params {query, variables?, operationName?}.
func (s *GraphQLService) Handle(ctx context.Context, req *broker.Request) (any, error) {
	query, operationName, variables, err := OperationParams(req)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, query, operationName, variables)
}

// OperationParams reads the parameters of a GraphQL action call.
func OperationParams(req *broker.Request) (query, operationName string, variables map[string]any, err error) {
	query, ok := req.Params["query"].(string)
	if !ok || query == "" {
		return "", "", nil, &broker.ValidationError{Action: req.Action, Field: "query", Message: "is required and must be a string"}
	}
	switch v := req.Params["variables"].(type) {
	case nil:
	case map[string]any:
		variables = v
	default:
		return "", "", nil, &broker.ValidationError{Action: req.Action, Field: "variables", Message: "must be an object"}
	}
	switch v := req.Params["operationName"].(type) {
	case nil:
	case string:
		operationName = v
	default:
		return "", "", nil, &broker.ValidationError{Action: req.Action, Field: "operationName", Message: "must be a string"}
	}
	return query, operationName, variables, nil
}

// Definition describes the service for a broker.
func (s *GraphQLService) Definition() broker.ServiceDefinition {
	return broker.ServiceDefinition{
		ServiceDescriptor: broker.ServiceDescriptor{
			Name:      s.opts.Name,
			Version:   s.opts.Version,
			GraphQL:   true,
			Action:    s.opts.Action,
			Resolvers: s.opts.Links,
			TypeDefs:  s.opts.TypeDefs,
		},
		Handlers: map[string]broker.ActionHandler{s.opts.Action: s.Handle},
	}
}

// Registrar is a broker that services can join.
type Registrar interface {
	AddService(ctx context.Context, def broker.ServiceDefinition) (remove func())
}

// Register compiles the schema and exposes the service on r. Extra actions
// of the same service may be passed in more.
func (s *GraphQLService) Register(ctx context.Context, r Registrar, more map[string]broker.ActionHandler) (remove func(), err error) {
	if err := s.PrepareSchema(ctx); err != nil {
		return nil, err
	}
	def := s.Definition()
	for name, h := range more {
		if name == s.opts.Action {
			return nil, fmt.Errorf("service %s: action %q is reserved", s.Name(), name)
		}
		def.Handlers[name] = h
	}
	return r.AddService(ctx, def), nil
}

func isQuery(doc *language.QueryDocument, operationName string) bool {
	var op *language.OperationDefinition
	if operationName == "" && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	} else {
		op = doc.Operations.ForName(operationName)
	}
	return op != nil && op.Operation == language.Query
}

func cacheKey(query, operationName string, variables map[string]any) string {
	vars, err := json.Marshal(variables)
	if err != nil {
		vars = []byte(fmt.Sprint(variables))
	}
	return operationName + "\x00" + query + "\x00" + string(vars)
}

// CacheOptions enables caching of query results.
type CacheOptions struct {
	Enable bool
	// TTL defaults to 30 seconds.
	TTL time.Duration
	// Size bounds the number of cached results, 1024 by default.
	Size int
}
