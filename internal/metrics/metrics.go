// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropMalformed   = "malformed"
	DropNoRoute     = "no_route"
	DropQueueFull   = "queue_full"
	DropRateLimited = "rate_limited"
)

// Collector defines the interface for relay metrics collection.
type Collector interface {
	// Connection metrics
	PeerJoined(role string)
	PeerLeft(role string)

	// Routing metrics
	MessageRouted(kind string, sizeBytes int)
	MessageDropped(kind, reason string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements Collector on a private registry, so several
// relays can live in one process (tests) without colliding on metric names.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activePeers *prometheus.GaugeVec
	joins       *prometheus.CounterVec
	leaves      *prometheus.CounterVec

	routed      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	messageSize *prometheus.HistogramVec
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activePeers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "posecast_relay_active_peers",
				Help: "Number of connected peers by role",
			},
			[]string{"role"},
		),

		joins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posecast_relay_peer_joins_total",
				Help: "Total number of accepted relay connections by role",
			},
			[]string{"role"},
		),

		leaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posecast_relay_peer_leaves_total",
				Help: "Total number of closed relay connections by role",
			},
			[]string{"role"},
		),

		routed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posecast_relay_messages_routed_total",
				Help: "Total number of session messages forwarded",
			},
			[]string{"kind"},
		),

		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posecast_relay_messages_dropped_total",
				Help: "Total number of session messages dropped",
			},
			[]string{"kind", "reason"},
		),

		messageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "posecast_relay_message_size_bytes",
				Help:    "Size of forwarded session messages in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64B to 32KB
			},
			[]string{"kind"},
		),
	}
}

// PeerJoined records an accepted connection.
func (c *PrometheusCollector) PeerJoined(role string) {
	c.joins.WithLabelValues(role).Inc()
	c.activePeers.WithLabelValues(role).Inc()
}

// PeerLeft records a closed connection.
func (c *PrometheusCollector) PeerLeft(role string) {
	c.leaves.WithLabelValues(role).Inc()
	c.activePeers.WithLabelValues(role).Dec()
}

// MessageRouted records a forwarded message.
func (c *PrometheusCollector) MessageRouted(kind string, sizeBytes int) {
	c.routed.WithLabelValues(kind).Inc()
	c.messageSize.WithLabelValues(kind).Observe(float64(sizeBytes))
}

// MessageDropped records a dropped message.
func (c *PrometheusCollector) MessageDropped(kind, reason string) {
	c.dropped.WithLabelValues(kind, reason).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}
