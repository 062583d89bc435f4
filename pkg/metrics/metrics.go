// Package metrics exposes copydesk's Prometheus collectors. All recording
// methods are safe to call on a nil *Collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every copydesk metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec

	quotaDecisions *prometheus.CounterVec
	quotaUsage     *prometheus.GaugeVec

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	tokensUsed       *prometheus.CounterVec
	imagesGenerated  prometheus.Counter
}

// New creates a Collector registered under namespace.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Request cache lookups by result",
		}, []string{"backend", "result"}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Request cache backend failures",
		}, []string{"backend", "op"}),
		quotaDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Usage admission decisions",
		}, []string{"decision", "limit"}),
		quotaUsage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_usage",
			Help:      "Current usage in the active window",
		}, []string{"resource"}),
		providerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Upstream provider calls",
		}, []string{"provider", "model", "status"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		tokensUsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens reported by providers",
		}, []string{"model", "type"}),
		imagesGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_generated_total",
			Help:      "Images produced by the image provider",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordHTTPRequest records a served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordCacheLookup counts a hit or miss.
func (c *Collector) RecordCacheLookup(backend string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(backend, result).Inc()
}

// RecordCacheError counts a swallowed backend failure.
func (c *Collector) RecordCacheError(backend, op string) {
	if c == nil {
		return
	}
	c.cacheErrors.WithLabelValues(backend, op).Inc()
}

// RecordQuotaDecision counts an admission. limit is empty for allowed requests.
func (c *Collector) RecordQuotaDecision(allowed bool, limit string) {
	if c == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.quotaDecisions.WithLabelValues(decision, limit).Inc()
}

// SetQuotaUsage publishes the active window counters.
func (c *Collector) SetQuotaUsage(requests, tokens, images int64) {
	if c == nil {
		return
	}
	c.quotaUsage.WithLabelValues("requests").Set(float64(requests))
	c.quotaUsage.WithLabelValues("tokens").Set(float64(tokens))
	c.quotaUsage.WithLabelValues("images").Set(float64(images))
}

// RecordProviderCall records one upstream call.
func (c *Collector) RecordProviderCall(provider, model, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, model, status).Inc()
	c.providerDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// RecordTokens adds provider-reported token usage.
func (c *Collector) RecordTokens(model string, prompt, completion int) {
	if c == nil {
		return
	}
	c.tokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	c.tokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
}

// RecordImage counts a generated image.
func (c *Collector) RecordImage() {
	if c == nil {
		return
	}
	c.imagesGenerated.Inc()
}
