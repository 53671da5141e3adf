// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// rewriteBuckets are tuned for in-process HTML rewriting.
var rewriteBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	Responses       *prometheus.CounterVec
	RewriteDuration prometheus.Histogram
	RewrittenAttrs  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypal_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxypal_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxypal_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxypal_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, until response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypal_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypal_responses_total",
			Help: "Proxied responses by handling path (document, stream, redirect).",
		}, []string{"kind"}),

		RewriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxypal_rewrite_duration_seconds",
			Help:    "Time spent parsing, rewriting and serializing HTML documents.",
			Buckets: rewriteBuckets,
		}),

		RewrittenAttrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxypal_rewritten_attributes_total",
			Help: "URL attributes visited by the HTML rewriter, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.Responses,
		m.RewriteDuration,
		m.RewrittenAttrs,
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

// Paths maps request paths to a bounded set of label values.
type Paths struct {
	prefixes []string
}

// NewPaths returns a normalizer for the given route prefixes. "/" is only
// matched exactly.
func NewPaths(prefixes ...string) *Paths {
	return &Paths{prefixes: prefixes}
}

// Normalize returns a bounded path label for Prometheus metrics.
func (p *Paths) Normalize(path string) string {
	for _, prefix := range p.prefixes {
		if path == prefix {
			return prefix
		}
		if prefix != "/" && (strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?")) {
			return prefix
		}
	}
	return "other"
}
