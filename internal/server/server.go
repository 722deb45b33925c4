package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"

	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
	executor "github.com/hanpama/brokerql/internal/executor"
	language "github.com/hanpama/brokerql/internal/language"
	link "github.com/hanpama/brokerql/internal/link"
	remote "github.com/hanpama/brokerql/internal/remote"
	reqid "github.com/hanpama/brokerql/internal/reqid"
)

// CodeUnableCompileSchema is the extensions.code of the error returned when
// the federated schema cannot be built.
const CodeUnableCompileSchema = "UNABLE_COMPILE_GRAPHQL_SCHEMA"

// Executor runs parsed operations.
type Executor interface {
	Execute(ctx context.Context, doc *language.QueryDocument, operationName string, variables map[string]any) (*executor.ExecutionResult, error)
}

// Handler serves a GraphQL endpoint.
// It parses requests, runs the executor, and formats responses per GraphQL spec.
type Handler struct {
	exec       Executor
	opt        Options
	playground http.HandlerFunc
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// CredentialHeaders lists HTTP headers forwarded to backends as the
	// operation credentials. Header names are case-insensitive. Default is none.
	CredentialHeaders []string

	// Playground enables the in-browser IDE when true.
	Playground bool

	// Endpoint is the path the playground sends queries to.
	Endpoint string
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithCredentialHeaders(headers ...string) Option {
	return func(o *Options) { o.CredentialHeaders = headers }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func WithPlayground(enable bool) Option { return func(o *Options) { o.Playground = enable } }
func WithEndpoint(path string) Option   { return func(o *Options) { o.Endpoint = path } }

// New creates a new GraphQL handler executing operations with exec.
func New(exec Executor, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, Playground: true, Endpoint: "/graphql"}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{
		exec:       exec,
		opt:        op,
		playground: playground.Handler("GraphQL playground", op.Endpoint),
	}
}

// HTTPRequest is the transport-neutral view of one HTTP request.
type HTTPRequest struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// HTTPResponse is what Serve answers.
type HTTPResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// RequestValidationError reports a request that is not a GraphQL request.
// It is answered with 400 and no data.
type RequestValidationError struct {
	Message string
}

func (e *RequestValidationError) Error() string { return e.Message }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Serve the playground when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.Playground && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		h.playground(w, r)
		return
	}

	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if h.opt.MaxBodyBytes > 0 {
			reader = io.LimitReader(r.Body, h.opt.MaxBodyBytes+1)
		}
		b, err := io.ReadAll(reader)
		_ = r.Body.Close()
		if err != nil {
			res := h.respond(http.StatusBadRequest, errorResponse(&language.Error{Message: "failed to read body"}))
			writeResponse(w, res)
			return
		}
		body = b
	}

	res := h.Serve(r.Context(), HTTPRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Query:  r.URL.Query(),
		Body:   body,
	})
	writeResponse(w, res)
}

// Serve answers one request.
func (h *Handler) Serve(ctx context.Context, r HTTPRequest) (res HTTPResponse) {
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if rid = r.Header.Get(reqid.Header); rid != "" {
		ctx = reqid.WithID(ctx, rid)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Method: r.Method, Path: r.Path})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Method: r.Method, Path: r.Path, Status: res.Status, Duration: time.Since(start)})
	}()

	header := http.Header{}
	header.Set(reqid.Header, rid)
	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(header, r, h.opt.CORS)
	}
	defer func() {
		for k, v := range header {
			res.Header[k] = v
		}
	}()

	if r.Method == http.MethodOptions {
		return HTTPResponse{Status: http.StatusNoContent, Header: http.Header{}}
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		return h.respond(http.StatusMethodNotAllowed, errorResponse(&language.Error{Message: "method not allowed"}))
	}

	if creds := h.credentials(r.Header); creds != nil {
		ctx = link.WithCredentials(ctx, creds)
	}

	req, batch, err := parseRequest(r, h.opt.MaxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if err.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		return h.respond(status, errorResponse(&language.Error{Message: err.Message}))
	}

	if batch != nil {
		out := make([]any, len(batch))
		for i := range batch {
			v, err := h.executeOne(ctx, batch[i])
			if err != nil {
				return h.executionFailure(err)
			}
			out[i] = v
		}
		return h.respond(http.StatusOK, out)
	}

	v, xerr := h.executeOne(ctx, req)
	if xerr != nil {
		return h.executionFailure(xerr)
	}
	return h.respond(http.StatusOK, v)
}

func (h *Handler) credentials(header http.Header) map[string]any {
	if len(h.opt.CredentialHeaders) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, name := range h.opt.CredentialHeaders {
		if v := header.Get(name); v != "" {
			out[strings.ToLower(name)] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest) (any, error) {
	// Parse query (syntax validation)
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		var ge *language.Error
		if errors.As(err, &ge) {
			return errorResponse(ge), nil
		}
		return errorResponse(&language.Error{Message: err.Error()}), nil
	}

	opDef := doc.Operations.ForName(req.OperationName)
	if opDef == nil && len(doc.Operations) == 1 {
		opDef = doc.Operations[0]
	}
	opType := ""
	if opDef != nil {
		opType = string(opDef.Operation)
	}

	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType})
	result, err := h.exec.Execute(ctx, doc, req.OperationName, req.Variables)
	var errs []error
	if err != nil {
		errs = []error{err}
	} else {
		errs = make([]error, len(result.Errors))
		for i := range result.Errors {
			errs[i] = result.Errors[i]
		}
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Errors:        errs,
		Duration:      time.Since(start),
	})
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return toSpecResult(result), nil
	}
	return result, nil
}

// executionFailure answers an operation the executor could not run at all.
func (h *Handler) executionFailure(err error) HTTPResponse {
	var sbe *remote.SchemaBuildError
	if errors.As(err, &sbe) {
		return h.respond(http.StatusInternalServerError, errorsResult{Errors: []specError{{
			Message: "unable to compile schema",
			Extensions: map[string]any{
				"code":  CodeUnableCompileSchema,
				"cause": sbe.Error(),
			},
		}}})
	}
	return h.respond(http.StatusInternalServerError, errorResponse(&language.Error{Message: err.Error()}))
}

func (h *Handler) respond(status int, v any) HTTPResponse {
	var body []byte
	var err error
	if h.opt.Pretty {
		body, err = json.MarshalIndent(v, "", "  ")
	} else {
		body, err = json.Marshal(v)
	}
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(fmt.Sprintf(`{"errors":[{"message":%q}]}`, err.Error()))
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=utf-8")
	return HTTPResponse{Status: status, Header: header, Body: append(body, '\n')}
}

func writeResponse(w http.ResponseWriter, res HTTPResponse) {
	for k, v := range res.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r HTTPRequest, maxBody int64) (GraphQLRequest, []GraphQLRequest, *RequestValidationError) {
	if r.Method == http.MethodGet {
		q := r.Query.Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &RequestValidationError{Message: "missing 'query'"}
		}
		vars := map[string]any{}
		if v := r.Query.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &RequestValidationError{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.Query.Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, &RequestValidationError{Message: "unsupported Content-Type"}
	}
	body := r.Body
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, &RequestValidationError{Message: errBodyTooLargeMessage}
	}

	// Try array (batch)
	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, &RequestValidationError{Message: "invalid JSON"}
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, &RequestValidationError{Message: "empty batch"}
		}
		for _, req := range arr {
			if req.Query == "" {
				return GraphQLRequest{}, nil, &RequestValidationError{Message: "missing 'query'"}
			}
		}
		return GraphQLRequest{}, arr, nil
	}
	// Single
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, &RequestValidationError{Message: "invalid JSON"}
	}
	if req.Query == "" {
		return GraphQLRequest{}, nil, &RequestValidationError{Message: "missing 'query'"}
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return req, nil, nil
}

// ------------------ Response formatting ------------------

type specLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type specError struct {
	Message    string         `json:"message"`
	Locations  []specLocation `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type specResult struct {
	Data   any         `json:"data"`
	Errors []specError `json:"errors,omitempty"`
}

// errorsResult answers requests that never reached execution: no data entry.
type errorsResult struct {
	Errors []specError `json:"errors"`
}

func errorResponse(err *language.Error) errorsResult {
	se := specError{Message: err.Message, Extensions: err.Extensions}
	for _, loc := range err.Locations {
		se.Locations = append(se.Locations, specLocation{Line: loc.Line, Column: loc.Column})
	}
	return errorsResult{Errors: []specError{se}}
}

func toSpecResult(res *executor.ExecutionResult) specResult {
	out := specResult{Data: res.Data}
	if len(res.Errors) == 0 {
		return out
	}
	out.Errors = make([]specError, len(res.Errors))
	for i, e := range res.Errors {
		se := specError{Message: e.Message, Extensions: e.Extensions}
		// Path
		if len(e.Path) > 0 {
			se.Path = make([]any, len(e.Path))
			for j, pe := range e.Path {
				switch v := pe.(type) {
				case string:
					se.Path[j] = v
				case int:
					se.Path[j] = v
				default:
					se.Path[j] = toString(v)
				}
			}
		}
		out.Errors[i] = se
	}
	// Per spec, when errors present, data may still be partially present; we preserve it.
	return out
}

func toString(v any) string { b, _ := json.Marshal(v); return string(b) }

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(header http.Header, r HTTPRequest, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		header.Set("Access-Control-Allow-Origin", "*")
	} else {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			header.Set("Access-Control-Allow-Headers", hdr)
		}
		header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	parts := strings.Split(accept, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}
