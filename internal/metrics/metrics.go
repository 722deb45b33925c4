// Package metrics turns gateway events into Prometheus metrics.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	eventbus "github.com/hanpama/brokerql/internal/eventbus"
	events "github.com/hanpama/brokerql/internal/events"
)

const namespace = "brokerql"

type collectors struct {
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	operations     *prometheus.CounterVec
	operationTime  *prometheus.HistogramVec
	brokerCalls    *prometheus.CounterVec
	brokerCallTime *prometheus.HistogramVec
	rebuilds       *prometheus.CounterVec
	rebuildTime    prometheus.Histogram
	mergedServices prometheus.Gauge
}

func newCollectors() *collectors {
	return &collectors{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by method and status code.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operations_total",
			Help:      "GraphQL operations executed, by operation type and outcome.",
		}, []string{"type", "result"}), // result: ok, error
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graphql",
			Name:      "operation_duration_seconds",
			Help:      "GraphQL operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		brokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "calls_total",
			Help:      "Broker action calls, by transport and outcome.",
		}, []string{"transport", "result"}),
		brokerCallTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "call_duration_seconds",
			Help:      "Broker action call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "rebuilds_total",
			Help:      "Federated schema rebuild attempts, by outcome.",
		}, []string{"result"}),
		rebuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "rebuild_duration_seconds",
			Help:      "Federated schema rebuild latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		mergedServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "services",
			Help:      "Services merged into the current federated schema.",
		}),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.httpRequests, c.httpDuration,
		c.operations, c.operationTime,
		c.brokerCalls, c.brokerCallTime,
		c.rebuilds, c.rebuildTime, c.mergedServices,
	}
}

// Register creates the gateway collectors on reg and feeds them from bus.
// The returned function unsubscribes from bus; collectors stay registered.
func Register(bus *eventbus.Bus, reg prometheus.Registerer) (unsubscribe func(), err error) {
	c := newCollectors()
	for _, col := range c.all() {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	var subs []func()
	add := func(u func()) { subs = append(subs, u) }

	add(eventbus.SubscribeTo(bus, func(_ context.Context, e events.HTTPFinish) {
		c.httpRequests.WithLabelValues(e.Method, strconv.Itoa(e.Status)).Inc()
		c.httpDuration.WithLabelValues(e.Method).Observe(e.Duration.Seconds())
	}))
	add(eventbus.SubscribeTo(bus, func(_ context.Context, e events.GraphQLFinish) {
		c.operations.WithLabelValues(e.OperationType, outcome(len(e.Errors) == 0)).Inc()
		c.operationTime.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
	}))
	add(eventbus.SubscribeTo(bus, func(_ context.Context, e events.BrokerCallFinish) {
		c.brokerCalls.WithLabelValues(e.Transport, outcome(e.Err == nil)).Inc()
		c.brokerCallTime.WithLabelValues(e.Transport).Observe(e.Duration.Seconds())
	}))
	add(eventbus.SubscribeTo(bus, func(_ context.Context, e events.SchemaRebuildFinish) {
		c.rebuilds.WithLabelValues(outcome(e.Err == nil)).Inc()
		c.rebuildTime.Observe(e.Duration.Seconds())
		if e.Err == nil {
			c.mergedServices.Set(float64(len(e.Services)))
		}
	}))

	return func() {
		for _, u := range subs {
			u()
		}
	}, nil
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
