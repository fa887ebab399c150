// Package metrics exposes the gateway's Prometheus instrumentation.
// All collectors are registered on the default registry and served by the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelgate_connected_agents",
		Help: "Number of agents with an active WebSocket session.",
	})
	BrokersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelgate_brokers_in_flight",
		Help: "Number of inference requests currently dispatched to agents.",
	})
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgate_requests_total",
		Help: "Total number of dispatched inference requests by kind and mode.",
	}, []string{"kind", "mode"})
	ChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgate_chunks_total",
		Help: "Total number of streaming chunks relayed from agents to clients.",
	})
	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelgate_dispatch_errors_total",
		Help: "Total number of failed dispatches by error kind.",
	}, []string{"kind"})
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelgate_request_duration_seconds",
		Help:    "Wall-clock duration of dispatched requests from invoke to terminal event.",
		Buckets: prometheus.DefBuckets,
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelgate_rate_limited_total",
		Help: "Total number of requests refused by the per-client rate limiter.",
	})
)
