package cdn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpcpool/ngdp-retrieval/metrics"
)

var requestsByHost = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cdn_requests_by_host",
		Help: "CDN requests issued, by host",
	},
	[]string{"host"},
)

var failoversByHost = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cdn_failovers_by_host",
		Help: "CDN failovers away from a host",
	},
	[]string{"host"},
)

var circuitBreakerOpen = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "cdn_circuit_breaker_open",
		Help: "Whether a host's circuit breaker is currently open (1) or closed (0)",
	},
	[]string{"host"},
)

var coalescedRangeCount = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cdn_coalesced_range_count",
		Help:    "Number of HTTP ranges issued after coalescing, per request",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	},
	[]string{"content_type"},
)

var requestLatencyHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "cdn_request_latency_seconds",
		Help:    "CDN request latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	},
	[]string{"host", "content_type"},
)

// NetCollector returns a Prometheus collector reporting I/O rates for
// the given network interfaces (or every interface, if none are
// named), so operators can correlate CDN throughput against raw NIC
// counters rather than inferring it from request latency alone.
func NetCollector(interfaces ...string) prometheus.Collector {
	return metrics.NewNetCollector(interfaces)
}
