package deploy

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type pipelineMetrics struct {
	pipelines   *prometheus.CounterVec
	active      prometheus.Gauge
	portRetries prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *pipelineMetrics
)

func loadMetrics() *pipelineMetrics {
	metricsOnce.Do(func() {
		m := &pipelineMetrics{
			pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "devpilot",
				Subsystem: "deploy",
				Name:      "pipelines_total",
				Help:      "Deployment pipelines by kind and outcome",
			}, []string{"kind", "outcome"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "devpilot",
				Subsystem: "deploy",
				Name:      "active_sessions",
				Help:      "Remote sessions currently streaming",
			}),
			portRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "devpilot",
				Subsystem: "deploy",
				Name:      "port_retries_total",
				Help:      "Port allocations retried after losing a uniqueness race",
			}),
		}
		m.pipelines = register(m.pipelines)
		m.active = register(m.active)
		m.portRetries = register(m.portRetries)
		metrics = m
	})
	return metrics
}

func register[T prometheus.Collector](collector T) T {
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
