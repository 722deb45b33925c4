// Package batch coalesces per-request lookups of linked fields into one
// broker call per resolution wave.
//
// A wave is one LoadMany call; the federation runtime issues one per
// execution depth, so every key requested at the same depth of a query
// shares a single backend call. Loaders are request scoped: values are cached
// for the lifetime of the Loaders they belong to and never across requests.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	broker "github.com/hanpama/brokerql/internal/broker"
)

// Result is the outcome of loading one key.
type Result struct {
	Value any
	Err   error
}

// Loader batches keys for one "<service>.<action>".
type Loader struct {
	caller broker.Caller
	action string
	param  string
	static map[string]any

	mu    sync.Mutex
	cache map[string]*entry
	calls atomic.Int64
}

type entry struct {
	done  chan struct{}
	value any
	err   error
}

// NewLoader returns a loader calling action with the batched keys under param.
// static parameters are merged into every call.
func NewLoader(caller broker.Caller, action, param string, static map[string]any) *Loader {
	return &Loader{caller: caller, action: action, param: param, static: static, cache: make(map[string]*entry)}
}

// Action returns the action the loader calls.
func (l *Loader) Action() string { return l.action }

// Calls returns how many backend calls the loader has issued.
func (l *Loader) Calls() int64 { return l.calls.Load() }

// Load resolves a single key. Prefer LoadMany so keys share a call.
func (l *Loader) Load(ctx context.Context, key any) (any, error) {
	r := l.LoadMany(ctx, []any{key})[0]
	return r.Value, r.Err
}

// LoadMany resolves keys with at most one backend call. Keys already cached
// or in flight are not requested again, duplicates are requested once. The
// results are returned in the order of keys; equal keys share one value.
func (l *Loader) LoadMany(ctx context.Context, keys []any) []Result {
	entries := make([]*entry, len(keys))
	var (
		missing      []any
		missingEntry []*entry
	)
	l.mu.Lock()
	for i, k := range keys {
		ck := cacheKey(k)
		e, ok := l.cache[ck]
		if !ok {
			e = &entry{done: make(chan struct{})}
			l.cache[ck] = e
			missing = append(missing, k)
			missingEntry = append(missingEntry, e)
		}
		entries[i] = e
	}
	l.mu.Unlock()

	if len(missing) > 0 {
		l.dispatch(ctx, missing, missingEntry)
	}

	out := make([]Result, len(keys))
	for i, e := range entries {
		select {
		case <-e.done:
			out[i] = Result{Value: e.value, Err: e.err}
		case <-ctx.Done():
			out[i] = Result{Err: ctx.Err()}
		}
	}
	return out
}

func (l *Loader) dispatch(ctx context.Context, keys []any, entries []*entry) {
	params := make(map[string]any, len(l.static)+1)
	for k, v := range l.static {
		params[k] = v
	}
	params[l.param] = keys

	l.calls.Add(1)
	res, err := l.caller.Call(ctx, l.action, params)
	var values []any
	if err == nil {
		values, err = l.mapResults(keys, res)
	}
	if err != nil {
		l.mu.Lock()
		for _, k := range keys {
			delete(l.cache, cacheKey(k))
		}
		l.mu.Unlock()
		for _, e := range entries {
			e.err = err
			close(e.done)
		}
		return
	}
	for i, e := range entries {
		e.value, e.err = Normalize(values[i])
		close(e.done)
	}
}

// mapResults maps the response back to keys: a list positionally, an object
// by key.
func (l *Loader) mapResults(keys []any, res any) ([]any, error) {
	switch res.(type) {
	case []any, map[string]any:
	default:
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("batch: %s returned %T: %w", l.action, res, err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&res); err != nil {
			return nil, fmt.Errorf("batch: %s returned %T: %w", l.action, res, err)
		}
	}

	switch v := res.(type) {
	case []any:
		if len(v) != len(keys) {
			return nil, fmt.Errorf("batch: %s returned %d values for %d keys", l.action, len(v), len(keys))
		}
		return v, nil
	case map[string]any:
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = v[objectKey(k)]
		}
		return out, nil
	}
	return nil, fmt.Errorf("batch: %s returned %T, expected a list or an object", l.action, res)
}

// cacheKey identifies a key in the cache. Strings and other values are kept
// apart so 1 and "1" are distinct keys.
func cacheKey(k any) string {
	if s, ok := k.(string); ok {
		return "s:" + s
	}
	return "j:" + objectKey(k)
}

// objectKey is the property name a key has in an object-shaped response.
func objectKey(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return "null"
	}
	if b, err := json.Marshal(k); err == nil {
		return string(b)
	}
	return fmt.Sprint(k)
}

// Normalize turns an action result into the JSON shape delegated responses
// have, so nested fields read both the same way.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, json.Number:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
