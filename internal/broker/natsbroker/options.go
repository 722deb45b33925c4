package natsbroker

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

// Options configures a NATS broker.
type Options struct {
	// Timeout bounds calls whose context has no deadline.
	Timeout time.Duration
	// NodeID identifies this node. Generated when empty.
	NodeID      string
	Logger      logr.Logger
	NATSOptions []nats.Option
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{Timeout: 5 * time.Second, Logger: logr.Discard()}
}

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithNodeID(id string) Option        { return func(o *Options) { o.NodeID = id } }
func WithLogger(l logr.Logger) Option    { return func(o *Options) { o.Logger = l } }
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *Options) { o.NATSOptions = append(o.NATSOptions, opts...) }
}
