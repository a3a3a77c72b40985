// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	TunnelsActive prometheus.Gauge
	TunnelBytes   *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_gateway_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_gateway_tunnels_active",
			Help: "Number of upgraded connections currently being piped.",
		}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_gateway_tunnel_bytes_total",
			Help: "Bytes relayed through upgraded connections by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.TunnelsActive,
		m.TunnelBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathNormalizer maps request paths to a bounded set of route-prefix labels.
// The label set is the configured route prefixes plus the reserved gateway
// endpoints, so cardinality is fixed at startup.
type PathNormalizer struct {
	prefixes []string
}

// NewPathNormalizer builds a normalizer from the route prefixes in
// declaration order, with the gateway's own endpoints checked first.
func NewPathNormalizer(routePrefixes []string, metricsPath string) *PathNormalizer {
	prefixes := []string{"/healthz", "/gateway/status"}
	if metricsPath != "" {
		prefixes = append(prefixes, metricsPath)
	}
	prefixes = append(prefixes, routePrefixes...)
	return &PathNormalizer{prefixes: prefixes}
}

// Normalize returns the first matching prefix label, or "other".
func (n *PathNormalizer) Normalize(path string) string {
	for _, prefix := range n.prefixes {
		if prefix == "/" {
			return prefix
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
