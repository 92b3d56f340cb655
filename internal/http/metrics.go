package httpx

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 120}

type httpMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	sharedMetrics   *httpMetrics
)

func loadHTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		m := &httpMetrics{
			requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "devpilot",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Count of processed HTTP requests",
			}, []string{"method", "route", "status"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "devpilot",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers, streams included",
				Buckets:   histogramBuckets,
			}, []string{"method", "route", "status"}),
			rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "devpilot",
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Number of rate-limited responses",
			}, []string{"route", "key"}),
		}
		m.requestTotal = registerCollector(m.requestTotal)
		m.requestLatency = registerCollector(m.requestLatency)
		m.rateLimitHits = registerCollector(m.rateLimitHits)
		sharedMetrics = m
	})
	return sharedMetrics
}

func registerCollector[T prometheus.Collector](collector T) T {
	if err := prometheus.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requestTotal.With(labels).Inc()
	r.metrics.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if r.metrics == nil {
		return
	}
	r.metrics.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
