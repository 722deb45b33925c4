// Package config loads the gateway configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	broker "github.com/hanpama/brokerql/internal/broker"
)

// Broker transports.
const (
	TransportLocal = "local"
	TransportNATS  = "nats"
	TransportGRPC  = "grpc"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Broker   BrokerConfig    `yaml:"broker"`
	Services []ServiceConfig `yaml:"services"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	OTel     OTelConfig      `yaml:"otel"`
	Log      LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	Path              string        `yaml:"path"`
	Pretty            bool          `yaml:"pretty"`
	Playground        bool          `yaml:"playground"`
	CORS              []string      `yaml:"cors"`
	MaxBodyBytes      int64         `yaml:"maxBodyBytes"`
	CredentialHeaders []string      `yaml:"credentialHeaders"`
	Timeout           time.Duration `yaml:"timeout"`
}

type BrokerConfig struct {
	Transport string     `yaml:"transport"`
	NATS      NATSConfig `yaml:"nats"`
	GRPC      GRPCConfig `yaml:"grpc"`
}

type NATSConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type GRPCConfig struct {
	// Endpoints maps a namespaced service name to host:port endpoints.
	// "*" is used for services without an entry.
	Endpoints           map[string][]string `yaml:"endpoints"`
	RPCTimeout          time.Duration       `yaml:"rpcTimeout"`
	MaxConnsPerEndpoint int                 `yaml:"maxConnsPerEndpoint"`
}

// ServiceConfig is a static registry entry, used by transports without
// service discovery.
type ServiceConfig struct {
	Name      string                               `yaml:"name"`
	Version   string                               `yaml:"version"`
	Action    string                               `yaml:"action"`
	TypeDefs  string                               `yaml:"typeDefs"`
	Resolvers map[string]map[string]ResolverConfig `yaml:"resolvers"`
}

type ResolverConfig struct {
	Action     string            `yaml:"action"`
	DataLoader bool              `yaml:"dataLoader"`
	RootParams []RootParamConfig `yaml:"rootParams"`
	Params     map[string]any    `yaml:"params"`
}

type RootParamConfig struct {
	Field string `yaml:"field"`
	Param string `yaml:"param"`
}

type GatewayConfig struct {
	Name              string            `yaml:"name"`
	SubscriptionEvent string            `yaml:"subscriptionEvent"`
	SingleFlight      bool              `yaml:"singleFlight"`
	SchemaCache       SchemaCacheConfig `yaml:"schemaCache"`
}

type SchemaCacheConfig struct {
	Enable bool          `yaml:"enable"`
	Size   int           `yaml:"size"`
	TTL    time.Duration `yaml:"ttl"`
}

type OTelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

type LogConfig struct {
	Verbosity int `yaml:"verbosity"`
}

// Default returns the configuration used for omitted settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8080",
			Path:       "/graphql",
			Playground: true,
			Timeout:    10 * time.Second,
		},
		Broker: BrokerConfig{
			Transport: TransportLocal,
			NATS:      NATSConfig{URL: "nats://127.0.0.1:4222", Timeout: 5 * time.Second},
			GRPC:      GRPCConfig{RPCTimeout: 3 * time.Second, MaxConnsPerEndpoint: 2},
		},
		Gateway: GatewayConfig{
			Name:              "api-gateway",
			SubscriptionEvent: "graphql.publish",
		},
		OTel: OTelConfig{Service: "brokerql"},
	}
}

// Load reads and validates the file at path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data on top of Default and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		add("server.path must start with /: %q", c.Server.Path)
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.maxBodyBytes must not be negative")
	}

	switch c.Broker.Transport {
	case TransportLocal:
	case TransportNATS:
		if c.Broker.NATS.URL == "" {
			add("broker.nats.url is required for the nats transport")
		}
	case TransportGRPC:
		if len(c.Broker.GRPC.Endpoints) == 0 {
			add("broker.grpc.endpoints is required for the grpc transport")
		}
		if len(c.Services) == 0 {
			add("services is required for the grpc transport")
		}
		for _, s := range c.Services {
			name := broker.FullName(s.Name, s.Version)
			if len(c.Broker.GRPC.Endpoints[name]) == 0 && len(c.Broker.GRPC.Endpoints["*"]) == 0 {
				add("no grpc endpoint for service %s", name)
			}
		}
	default:
		add("unknown broker.transport %q", c.Broker.Transport)
	}

	seen := map[string]bool{}
	for i, s := range c.Services {
		if s.Name == "" {
			add("services[%d].name is required", i)
			continue
		}
		name := broker.FullName(s.Name, s.Version)
		if seen[name] {
			add("duplicate service %s", name)
		}
		seen[name] = true
		for typ, fields := range s.Resolvers {
			for field, r := range fields {
				if r.Action == "" {
					add("service %s: resolver %s.%s has no action", name, typ, field)
				}
				if r.DataLoader && len(r.RootParams) == 0 {
					add("service %s: resolver %s.%s uses dataLoader without rootParams", name, typ, field)
				}
			}
		}
	}

	if c.Gateway.Name == "" {
		add("gateway.name is required")
	}
	if c.Gateway.SchemaCache.Size < 0 {
		add("gateway.schemaCache.size must not be negative")
	}
	return errors.Join(errs...)
}

// Descriptor returns the registry entry of s.
func (s ServiceConfig) Descriptor() broker.ServiceDescriptor {
	d := broker.ServiceDescriptor{
		Name:     s.Name,
		Version:  s.Version,
		GraphQL:  true,
		Action:   s.Action,
		TypeDefs: s.TypeDefs,
	}
	if len(s.Resolvers) > 0 {
		d.Resolvers = make(map[string]map[string]broker.ResolverSpec, len(s.Resolvers))
		for typ, fields := range s.Resolvers {
			specs := make(map[string]broker.ResolverSpec, len(fields))
			for field, r := range fields {
				spec := broker.ResolverSpec{Action: r.Action, DataLoader: r.DataLoader, Params: r.Params}
				for _, rp := range r.RootParams {
					spec.RootParams = append(spec.RootParams, broker.RootParam{Field: rp.Field, Param: rp.Param})
				}
				specs[field] = spec
			}
			d.Resolvers[typ] = specs
		}
	}
	return d
}

// Descriptors returns the registry entries of every configured service.
func (c *Config) Descriptors() []broker.ServiceDescriptor {
	out := make([]broker.ServiceDescriptor, len(c.Services))
	for i, s := range c.Services {
		out[i] = s.Descriptor()
	}
	return out
}
