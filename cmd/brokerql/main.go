package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	broker "github.com/hanpama/brokerql/internal/broker"
	grpcbroker "github.com/hanpama/brokerql/internal/broker/grpcbroker"
	natsbroker "github.com/hanpama/brokerql/internal/broker/natsbroker"
	config "github.com/hanpama/brokerql/internal/config"
	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	federation "github.com/hanpama/brokerql/internal/federation"
	gateway "github.com/hanpama/brokerql/internal/gateway"
	logctx "github.com/hanpama/brokerql/internal/log"
	metrics "github.com/hanpama/brokerql/internal/metrics"
	otel "github.com/hanpama/brokerql/internal/otel"
	pubsub "github.com/hanpama/brokerql/internal/pubsub"
	schemacache "github.com/hanpama/brokerql/internal/schemacache"
	server "github.com/hanpama/brokerql/internal/server"
)

const rootUsage = `brokerql - GraphQL gateway over an RPC broker

USAGE:
  brokerql <command> [flags]

COMMANDS:
  serve            Run the HTTP GraphQL gateway
  print-schema     Build the federated schema once and print its SDL
  help             Show help for any command
`

const commonFlags = `  -config <file>             YAML configuration file (default: built-in defaults)
  -broker.transport <name>   Broker transport: local, nats or grpc
  -nats.url <url>            NATS server URL
  -log.verbosity <n>         Log verbosity; 1 logs rebuilds and topology changes
`

const serveUsage = `serve FLAGS:
` + commonFlags + `  -server.addr <addr>        HTTP listen address (default: :8080)
  -server.path <path>        GraphQL route (default: /graphql)
`

const printSchemaUsage = `print-schema FLAGS:
` + commonFlags + `  -discover <duration>       Time to wait for nodes to announce themselves (nats only, default: 1s)
  -out <file>                Write SDL to file (default: stdout)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("brokerql", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "print-schema":
		return cmdPrintSchema(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "print-schema":
		fmt.Print(printSchemaUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

// configFlags are the flags shared by every command. Only flags set on the
// command line override the configuration file.
type configFlags struct {
	path      string
	transport string
	natsURL   string
	verbosity int
}

func (f *configFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.path, "config", "", "YAML configuration file")
	fs.StringVar(&f.transport, "broker.transport", "", "Broker transport")
	fs.StringVar(&f.natsURL, "nats.url", "", "NATS server URL")
	fs.IntVar(&f.verbosity, "log.verbosity", 0, "Log verbosity")
}

func (f *configFlags) load(fs *flag.FlagSet, apply func(cfg *config.Config, name string)) (*config.Config, error) {
	cfg := config.Default()
	if f.path != "" {
		var err error
		if cfg, err = config.Load(f.path); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "broker.transport":
			cfg.Broker.Transport = f.transport
		case "nats.url":
			cfg.Broker.NATS.URL = f.natsURL
		case "log.verbosity":
			cfg.Log.Verbosity = f.verbosity
		default:
			if apply != nil {
				apply(cfg, fl.Name)
			}
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

// closer releases a broker connection.
type closer func() error

func newBroker(cfg *config.Config, logger logr.Logger) (broker.Broker, closer, error) {
	switch cfg.Broker.Transport {
	case config.TransportNATS:
		b, err := natsbroker.Connect(cfg.Broker.NATS.URL,
			natsbroker.WithTimeout(cfg.Broker.NATS.Timeout),
			natsbroker.WithLogger(logger.WithName("nats")),
			natsbroker.WithNATSOptions(nats.Name(cfg.Gateway.Name)),
		)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.TransportGRPC:
		b := grpcbroker.New(cfg.Descriptors(),
			grpcbroker.WithProvider(grpcbroker.NewStaticEndpoints(cfg.Broker.GRPC.Endpoints)),
			grpcbroker.WithRPCTimeout(cfg.Broker.GRPC.RPCTimeout),
			grpcbroker.WithMaxConnsPerEndpoint(cfg.Broker.GRPC.MaxConnsPerEndpoint),
		)
		return b, b.Close, nil
	}
	return broker.NewLocal(), func() error { return nil }, nil
}

func serverOptions(cfg config.ServerConfig) []server.Option {
	opts := []server.Option{
		server.WithTimeout(cfg.Timeout),
		server.WithPlayground(cfg.Playground),
	}
	if cfg.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if len(cfg.CORS) > 0 {
		opts = append(opts, server.WithCORS(cfg.CORS...))
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, server.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	if len(cfg.CredentialHeaders) > 0 {
		opts = append(opts, server.WithCredentialHeaders(cfg.CredentialHeaders...))
	}
	return opts
}

func federationOptions(cfg *config.Config) []federation.Option {
	var opts []federation.Option
	if cfg.Gateway.SingleFlight {
		opts = append(opts, federation.WithSingleFlight())
	}
	return opts
}

// capabilities lists the gateway capabilities configured by cfg, in order.
func capabilities(cfg *config.Config, logger logr.Logger, reg prometheus.Gatherer, ps pubsub.PubSub) []gateway.Capability {
	caps := []gateway.Capability{gateway.WithLogger(logger)}
	if sc := cfg.Gateway.SchemaCache; sc.Enable {
		caps = append(caps, gateway.SchemaCache(schemacache.New(sc.Size, sc.TTL, logger.WithName("schemacache"))))
	}
	caps = append(caps,
		gateway.Federation(federationOptions(cfg)...),
		gateway.HTTP(cfg.Server.Path, serverOptions(cfg.Server)...),
		gateway.Subscriptions(ps, cfg.Gateway.SubscriptionEvent),
	)
	if reg != nil {
		caps = append(caps, gateway.Metrics(reg))
	}
	return caps
}

func cmdServe(args []string) error {
	var cf configFlags
	var addr, path string
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	cf.register(fs)
	fs.StringVar(&addr, "server.addr", "", "HTTP listen address")
	fs.StringVar(&path, "server.path", "", "GraphQL route")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	cfg, err := cf.load(fs, func(cfg *config.Config, name string) {
		switch name {
		case "server.addr":
			cfg.Server.Addr = addr
		case "server.path":
			cfg.Server.Path = path
		}
	})
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Verbosity)
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx = logctx.WithLogger(ctx, logger)

	bus := eventbus.New()
	eventbus.Use(bus)
	shutdown, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	unregister, err := metrics.Register(bus, reg)
	if err != nil {
		return fmt.Errorf("metrics setup: %w", err)
	}
	defer unregister()

	b, closeBroker, err := newBroker(cfg, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer func() { _ = closeBroker() }()

	ps := pubsub.NewMemory(0)
	defer ps.Close()

	g, err := gateway.New(b, cfg.Gateway.Name, capabilities(cfg, logger, reg, ps)...)
	if err != nil {
		return err
	}
	stop := g.Start(ctx)
	defer stop()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: g, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", cfg.Server.Addr, "transport", cfg.Broker.Transport)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cmdPrintSchema(args []string) error {
	var cf configFlags
	discover := time.Second
	outFile := ""
	fs := flag.NewFlagSet("print-schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	cf.register(fs)
	fs.DurationVar(&discover, "discover", discover, "Time to wait for nodes to announce themselves")
	fs.StringVar(&outFile, "out", outFile, "Write SDL to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, printSchemaUsage)
		return err
	}
	cfg, err := cf.load(fs, nil)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Verbosity)
	b, closeBroker, err := newBroker(cfg, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer func() { _ = closeBroker() }()
	if cfg.Broker.Transport == config.TransportNATS {
		time.Sleep(discover)
	}

	ctx := logctx.WithLogger(context.Background(), logger)
	snap, err := federation.New(b, federationOptions(cfg)...).EnsureFresh(ctx)
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	if outFile == "" {
		fmt.Print(snap.SDL)
		return nil
	}
	return os.WriteFile(outFile, []byte(snap.SDL), 0644)
}
