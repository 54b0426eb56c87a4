// Package metrics defines the Prometheus collectors shared by all loom
// processes and the /metrics handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loom"

var (
	// HTTPRequestDuration observes API latency per route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method, route, and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// EventsPublished counts bus publishes per exchange.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Messages published to the event bus by exchange.",
	}, []string{"exchange"})

	// EventsConsumed counts deliveries per queue and outcome (ack, nack, dlq).
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Messages consumed from the event bus by queue and outcome.",
	}, []string{"queue", "outcome"})

	// JobsInFlight gauges currently running inference jobs on this executor.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inference_jobs_in_flight",
		Help:      "Inference jobs currently running on this executor.",
	})

	// JobsTotal counts finished inference jobs per outcome
	// (success, error, cancelled).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inference_jobs_total",
		Help:      "Finished inference jobs by outcome.",
	}, []string{"outcome"})

	// AgentIterations observes how many model round-trips each agent job took.
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_iterations",
		Help:      "Model round-trips per agent job.",
		Buckets:   []float64{1, 2, 3, 5, 8, 10, 15},
	})

	// SagasCompleted counts finished deletion sagas per type.
	SagasCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sagas_completed_total",
		Help:      "Deletion sagas driven to completion by type.",
	}, []string{"type"})

	// RPCClientDuration observes outbound RPC latency.
	RPCClientDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_client_duration_seconds",
		Help:      "Outbound RPC latency by method and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "code"})

	// WebSocketsActive gauges open result sockets on the gateway.
	WebSocketsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websockets_active",
		Help:      "Open result delivery WebSockets on this gateway.",
	})
)

// Handler returns the HTTP handler serving the process metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
