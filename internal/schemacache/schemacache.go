// Package schemacache keeps backend schemas announced by services so the
// gateway can skip introspection when it rebuilds the federated schema.
package schemacache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"

	broker "github.com/hanpama/brokerql/internal/broker"
	log "github.com/hanpama/brokerql/internal/log"
	remote "github.com/hanpama/brokerql/internal/remote"
	schema "github.com/hanpama/brokerql/internal/schema"
)

// EventSchemaAnnounce carries {"service": <full name>, "schema": <SDL>}.
const EventSchemaAnnounce = "graphql.schema.announce"

var ErrInvalidAnnouncement = errors.New("schemacache: announcement needs service and schema")

const (
	DefaultSize = 256
	DefaultTTL  = 10 * time.Minute
)

// Cache maps namespaced service names to their built schemas.
type Cache struct {
	lru    *expirable.LRU[string, *schema.Schema]
	logger logr.Logger
}

// New returns a cache holding up to size schemas for ttl each. Zero values
// select the defaults.
func New(size int, ttl time.Duration, logger logr.Logger) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, *schema.Schema](size, nil, ttl), logger: logger}
}

// Put builds sdl and stores it for service.
func (c *Cache) Put(service, sdl string) error {
	s, err := schema.BuildFromSDL(sdl)
	if err != nil {
		return fmt.Errorf("schemacache: %s: %w", service, err)
	}
	c.lru.Add(service, s)
	return nil
}

// Get returns the cached schema of service.
func (c *Cache) Get(service string) (*schema.Schema, bool) {
	return c.lru.Get(service)
}

// Remove drops the schema of service.
func (c *Cache) Remove(service string) { c.lru.Remove(service) }

// Len returns the number of cached schemas.
func (c *Cache) Len() int { return c.lru.Len() }

// Watch stores every schema announced on sub. The returned function
// unsubscribes.
func (c *Cache) Watch(sub broker.Subscriber) (stop func()) {
	return sub.On(EventSchemaAnnounce, func(ctx context.Context, payload any) {
		logger := log.Or(ctx, c.logger)
		service, sdl, err := announcement(payload)
		if err == nil {
			err = c.Put(service, sdl)
		}
		if err != nil {
			logger.Error(err, "ignoring schema announcement")
			return
		}
		logger.V(1).Info("cached announced schema", "service", service)
	})
}

// Builder returns a schema builder serving cached schemas and introspecting
// backends on a miss. Introspected schemas are cached too.
func (c *Cache) Builder() remote.SchemaBuilder {
	return func(ctx context.Context, bc remote.BuilderContext) (*schema.Schema, error) {
		name := bc.Service.FullName()
		if s, ok := c.Get(name); ok {
			return s, nil
		}
		s, err := remote.Introspect(ctx, bc.Link)
		if err != nil {
			return nil, err
		}
		c.lru.Add(name, s)
		return s, nil
	}
}

// Announce broadcasts sdl as the schema of service.
func Announce(ctx context.Context, e broker.Emitter, service, sdl string) error {
	return e.Broadcast(ctx, EventSchemaAnnounce, map[string]any{"service": service, "schema": sdl})
}

func announcement(payload any) (service, sdl string, err error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", "", ErrInvalidAnnouncement
	}
	service, _ = m["service"].(string)
	sdl, _ = m["schema"].(string)
	if service == "" || sdl == "" {
		return "", "", ErrInvalidAnnouncement
	}
	return service, sdl, nil
}
