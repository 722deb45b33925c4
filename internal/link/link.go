// Package link turns a GraphQL operation into a single broker call to the
// GraphQL action of a backend service.
package link

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"

	broker "github.com/hanpama/brokerql/internal/broker"
	language "github.com/hanpama/brokerql/internal/language"
)

// DefaultAction is the backend action a link calls unless WithAction is used.
const DefaultAction = "graphql"

// Operation is one GraphQL request delegated to a backend.
type Operation struct {
	OperationName string
	Query         *language.QueryDocument
	Variables     map[string]any
	Extensions    map[string]any
}

// Result is the standard GraphQL response shape returned by a backend.
// Numbers in Data are json.Number.
type Result struct {
	Data       map[string]any `json:"data"`
	Errors     gqlerror.List  `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Executor runs operations against one backend.
type Executor interface {
	Execute(ctx context.Context, op Operation) (*Result, error)
}

// TransportError reports a rejected broker call.
type TransportError struct {
	Service string
	Action  string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("link: call %s failed: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Link binds a broker caller to one backend service.
type Link struct {
	caller  broker.Caller
	service string
	action  string
}

type Option func(*Link)

// WithAction overrides the backend action name.
func WithAction(name string) Option {
	return func(l *Link) {
		if name != "" {
			l.action = name
		}
	}
}

// New creates a link to service through caller.
func New(caller broker.Caller, service string, opts ...Option) *Link {
	l := &Link{caller: caller, service: service, action: DefaultAction}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Service returns the namespaced name of the target service.
func (l *Link) Service() string { return l.service }

// ActionName returns the fully qualified action the link calls.
func (l *Link) ActionName() string { return l.service + "." + l.action }

// Send issues exactly one broker call for op and returns a future for its
// result. The call is detached from ctx cancellation; only values (request
// id, meta, credentials) are inherited.
func (l *Link) Send(ctx context.Context, op Operation) *Future {
	f := newFuture()
	params := map[string]any{
		"query":         language.PrintQuery(op.Query),
		"variables":     op.Variables,
		"extensions":    op.Extensions,
		"operationName": op.OperationName,
		"credentials":   CredentialsFromContext(ctx),
	}
	action := l.ActionName()
	callCtx := context.WithoutCancel(ctx)
	go func() {
		v, err := l.caller.Call(callCtx, action, params)
		if err != nil {
			f.resolve(nil, &TransportError{Service: l.service, Action: action, Err: err})
			return
		}
		res, err := DecodeResult(v)
		if err != nil {
			f.resolve(nil, &TransportError{Service: l.service, Action: action, Err: err})
			return
		}
		f.resolve(res, nil)
	}()
	return f
}

// Execute sends op and waits for its result.
func (l *Link) Execute(ctx context.Context, op Operation) (*Result, error) {
	return l.Send(ctx, op).Wait(ctx)
}

// DecodeResult converts whatever a transport returned into a Result.
func DecodeResult(v any) (*Result, error) {
	switch r := v.(type) {
	case *Result:
		return r, nil
	case nil:
		return nil, fmt.Errorf("link: empty response")
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("link: encode response: %w", err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var res Result
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("link: decode response: %w", err)
	}
	return &res, nil
}

var _ Executor = (*Link)(nil)

type credentialsKey struct{}

// WithCredentials attaches caller credentials forwarded with every operation.
func WithCredentials(ctx context.Context, credentials any) context.Context {
	return context.WithValue(ctx, credentialsKey{}, credentials)
}

// CredentialsFromContext returns the credentials attached by WithCredentials.
func CredentialsFromContext(ctx context.Context) any {
	return ctx.Value(credentialsKey{})
}
