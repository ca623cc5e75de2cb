// Package metrics exposes prometheus instrumentation for the fan-out
// engine. Collectors live on an explicit registry owned by the Metrics
// instance, so two engines in one process (common in tests) never fight
// over registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	// EventsRouted counts routed events by event type and cache outcome
	EventsRouted *prometheus.CounterVec

	// Deliveries counts room emissions and offline queueing by outcome
	Deliveries *prometheus.CounterVec

	// BroadcastDuration tracks end-to-end broadcast latency in seconds
	BroadcastDuration prometheus.Histogram

	// IndexLookupDuration tracks index lookup latency in seconds
	IndexLookupDuration prometheus.Histogram

	// Connections tracks current live websocket sessions
	Connections prometheus.Gauge

	// Subscriptions tracks current active subscriptions
	Subscriptions prometheus.Gauge

	// OfflineQueueDepth tracks messages waiting for offline users
	OfflineQueueDepth prometheus.Gauge
}

// New returns a pointer to a Metrics instance with all collectors
// registered on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_events_routed_total",
				Help: "Total events routed by event type and cache outcome",
			},
			[]string{"event_type", "cache"},
		),
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_deliveries_total",
				Help: "Total deliveries by outcome (emitted/queued/failed)",
			},
			[]string{"outcome"},
		),
		BroadcastDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fanout_broadcast_duration_seconds",
				Help:    "End-to-end broadcast duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		IndexLookupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fanout_index_lookup_duration_seconds",
				Help:    "Subscription index lookup duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025},
			},
		),
		Connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_connections_current",
				Help: "Current live websocket sessions",
			},
		),
		Subscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_subscriptions_current",
				Help: "Current active subscriptions",
			},
		),
		OfflineQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fanout_offline_queue_depth",
				Help: "Messages waiting in offline queues",
			},
		),
	}
}

// Handler returns an http.Handler serving the registry in the prometheus
// exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
