package federation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	executor "github.com/hanpama/brokerql/internal/executor"
)

const nonNullMessagePrefix = "Cannot return null for non-nullable field"

// requestState collects the errors reported by backends during one request.
type requestState struct {
	mu     sync.Mutex
	errors []executor.GraphQLError
}

type requestStateKey struct{}

func withRequestState(ctx context.Context, rs *requestState) context.Context {
	return context.WithValue(ctx, requestStateKey{}, rs)
}

func requestStateFrom(ctx context.Context) *requestState {
	rs, _ := ctx.Value(requestStateKey{}).(*requestState)
	return rs
}

func (rs *requestState) add(errs ...executor.GraphQLError) {
	if rs == nil || len(errs) == 0 {
		return
	}
	rs.mu.Lock()
	rs.errors = append(rs.errors, errs...)
	rs.mu.Unlock()
}

// mergeInto appends the backend errors to res. A backend error explains the
// null the gateway found below it, so the gateway's non-null error for that
// path is dropped.
func (rs *requestState) mergeInto(res *executor.ExecutionResult) {
	rs.mu.Lock()
	backend := rs.errors
	rs.mu.Unlock()
	if len(backend) == 0 {
		return
	}
	sort.SliceStable(backend, func(i, j int) bool {
		return pathKey(backend[i].Path) < pathKey(backend[j].Path)
	})

	kept := res.Errors[:0:0]
	for _, e := range res.Errors {
		if strings.HasPrefix(e.Message, nonNullMessagePrefix) && explained(e.Path, backend) {
			continue
		}
		kept = append(kept, e)
	}
	res.Errors = append(kept, backend...)
}

func explained(path executor.Path, backend []executor.GraphQLError) bool {
	for _, b := range backend {
		if hasPrefix(b.Path, path) {
			return true
		}
	}
	return false
}

func hasPrefix(path, prefix executor.Path) bool {
	if len(prefix) == 0 || len(path) < len(prefix) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

func pathKey(p executor.Path) string {
	var b strings.Builder
	for i, e := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprint(&b, e)
	}
	return b.String()
}

// backendError converts an error reported by a backend. Paths are kept
// as is: delegated operations preserve response names.
func backendError(e *gqlerror.Error) executor.GraphQLError {
	return executor.GraphQLError{
		Message:    e.Message,
		Path:       convertPath(e.Path),
		Extensions: e.Extensions,
	}
}

func convertPath(p ast.Path) executor.Path {
	if len(p) == 0 {
		return nil
	}
	out := make(executor.Path, len(p))
	for i, el := range p {
		switch el := el.(type) {
		case ast.PathName:
			out[i] = string(el)
		case ast.PathIndex:
			out[i] = int(el)
		default:
			out[i] = fmt.Sprint(el)
		}
	}
	return out
}
