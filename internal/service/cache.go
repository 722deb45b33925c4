package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	executor "github.com/hanpama/brokerql/internal/executor"
)

const (
	defaultCacheTTL  = 30 * time.Second
	defaultCacheSize = 1024
)

type resultCache = expirable.LRU[string, *executor.ExecutionResult]

// newResultCache returns nil when caching is disabled.
func newResultCache(o CacheOptions) *resultCache {
	if !o.Enable {
		return nil
	}
	ttl := o.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	size := o.Size
	if size <= 0 {
		size = defaultCacheSize
	}
	return expirable.NewLRU[string, *executor.ExecutionResult](size, nil, ttl)
}
