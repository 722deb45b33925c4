// Package remote builds the schema of a backend service reachable through a
// link, either by introspection or with a caller-supplied builder.
package remote

import (
	"context"
	"errors"
	"fmt"

	broker "github.com/hanpama/brokerql/internal/broker"
	introspection "github.com/hanpama/brokerql/internal/introspection"
	language "github.com/hanpama/brokerql/internal/language"
	link "github.com/hanpama/brokerql/internal/link"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// Schema is a backend schema bound to the executor that resolves it.
type Schema struct {
	Service  string
	Schema   *schema.Schema
	Executor link.Executor
}

// BuilderContext is passed to a SchemaBuilder.
type BuilderContext struct {
	Service broker.ServiceDescriptor
	Link    link.Executor
}

// SchemaBuilder produces a backend schema without a live introspection call,
// e.g. from a cache.
type SchemaBuilder func(ctx context.Context, bc BuilderContext) (*schema.Schema, error)

// SchemaBuildError reports a failure to obtain or merge a backend schema.
type SchemaBuildError struct {
	Service string
	Err     error
}

func (e *SchemaBuildError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("unable to compile schema: %v", e.Err)
	}
	return fmt.Sprintf("unable to compile schema of %s: %v", e.Service, e.Err)
}

func (e *SchemaBuildError) Unwrap() error { return e.Err }

// ErrEmptyIntrospection is returned when a backend answers introspection
// without data.
var ErrEmptyIntrospection = errors.New("remote: introspection returned no data")

var introspectionDocument = mustParseIntrospection()

func mustParseIntrospection() *language.QueryDocument {
	doc, err := language.ParseQuery(introspection.Query)
	if err != nil {
		panic(err)
	}
	return doc
}

// Build returns the remote schema of svc. Without a builder the schema is
// introspected through exec. Root operation fields of the result are marked
// async: they resolve by dispatching through exec.
func Build(ctx context.Context, svc broker.ServiceDescriptor, exec link.Executor, builder SchemaBuilder) (*Schema, error) {
	name := svc.FullName()
	var (
		sch *schema.Schema
		err error
	)
	if builder != nil {
		sch, err = builder(ctx, BuilderContext{Service: svc, Link: exec})
	} else {
		sch, err = Introspect(ctx, exec)
	}
	if err != nil {
		return nil, &SchemaBuildError{Service: name, Err: err}
	}
	if sch == nil || sch.GetQueryType() == nil {
		return nil, &SchemaBuildError{Service: name, Err: errors.New("schema has no query type")}
	}
	sch = schema.Clone(sch)
	MarkRootFieldsAsync(sch)
	return &Schema{Service: name, Schema: sch, Executor: exec}, nil
}

// Introspect runs the standard introspection query through exec.
func Introspect(ctx context.Context, exec link.Executor) (*schema.Schema, error) {
	res, err := exec.Execute(ctx, link.Operation{
		OperationName: "IntrospectionQuery",
		Query:         introspectionDocument,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("remote: introspection failed: %w", res.Errors)
	}
	if res.Data == nil {
		return nil, ErrEmptyIntrospection
	}
	return introspection.BuildClientSchema(res.Data)
}

// MarkRootFieldsAsync flags every field of the root operation types async.
func MarkRootFieldsAsync(s *schema.Schema) {
	for _, t := range []*schema.Type{s.GetQueryType(), s.GetMutationType(), s.GetSubscriptionType()} {
		if t == nil {
			continue
		}
		for _, f := range t.Fields {
			f.SetAsync(true)
		}
	}
}
