package grpcbroker

import (
	"context"
	"sync"
)

// EndpointProvider provides a list of reachable endpoints (host:port) for a
// namespaced broker service name (e.g. "v2.posts").
// Implementations may integrate with service discovery/registry systems.
// Return at least one endpoint or an error.
// Implementations should be safe for concurrent use.

type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// Wildcard keys the endpoints used for services without their own entry.
const Wildcard = "*"

// StaticEndpoints is a simple provider backed by an in-memory map.
// Key is the namespaced service name or Wildcard; value is list of endpoints.

type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	s := &StaticEndpoints{}
	s.Set(m)
	return s
}

// Set replaces every mapping.
func (s *StaticEndpoints) Set(m map[string][]string) {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		vv := make([]string, len(v))
		copy(vv, v)
		cp[k] = vv
	}
	s.mu.Lock()
	s.data = cp
	s.mu.Unlock()
}

func (s *StaticEndpoints) Endpoints(ctx context.Context, service string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		arr = s.data[Wildcard]
	}
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	out := make([]string, len(arr))
	copy(out, arr)
	return out, nil
}
