// Package observability holds the Prometheus collector shared by the
// HTTP layer, the walker engine and the storage adapters.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can build isolated
// instances without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	WalkerSpawns    *prometheus.CounterVec
	WalkerVisits    *prometheus.CounterVec
	WalkerLimitHits *prometheus.CounterVec

	StorageOps      *prometheus.CounterVec
	StorageDuration *prometheus.HistogramVec

	WebhookDeliveries  *prometheus.CounterVec
	RateLimitRejected  prometheus.Counter
	IdempotencyReplays prometheus.Counter
}

// NewCollector builds a collector with all metrics registered under
// the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WalkerSpawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "walker_spawns_total",
			Help:      "Total number of walker spawns",
		}, []string{"walker", "status"}),
		WalkerVisits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "walker_visits_total",
			Help:      "Total number of entities visited by walkers",
		}, []string{"walker"}),
		WalkerLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "walker_limit_hits_total",
			Help:      "Walker terminations caused by depth or visit limits",
		}, []string{"walker", "limit"}),
		StorageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		}, []string{"operation", "collection", "status"}),
		StorageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "collection"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome",
		}, []string{"endpoint", "outcome"}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		IdempotencyReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_idempotency_replays_total",
			Help:      "Webhook requests answered from the idempotency cache",
		}),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.WalkerSpawns,
		c.WalkerVisits,
		c.WalkerLimitHits,
		c.StorageOps,
		c.StorageDuration,
		c.WebhookDeliveries,
		c.RateLimitRejected,
		c.IdempotencyReplays,
	)
	return c
}

// Handler serves this collector's registry for GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one completed request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveStorage records one storage call.
func (c *Collector) ObserveStorage(operation, collection string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StorageOps.WithLabelValues(operation, collection, status).Inc()
	c.StorageDuration.WithLabelValues(operation, collection).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
