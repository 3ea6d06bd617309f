// Package metrics provides opt-in Prometheus instrumentation for
// controller requests. When InitRegistry was never called, every observe
// helper is a no-op with zero overhead.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu      sync.Mutex
	enabled bool

	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
)

// InitRegistry enables metrics collection. Safe to call once; subsequent
// calls are no-ops.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if enabled {
		return
	}

	registry = prometheus.NewRegistry()

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "odc",
		Name:      "requests_total",
		Help:      "Controller requests by verb, partition and outcome.",
	}, []string{"verb", "partition", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "odc",
		Name:      "request_duration_seconds",
		Help:      "Controller request duration by verb.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"verb"})

	requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "odc",
		Name:      "requests_in_flight",
		Help:      "Controller requests currently being processed.",
	})

	registry.MustRegister(requestsTotal, requestDuration, requestsInFlight)
	enabled = true
}

// IsEnabled reports whether InitRegistry was called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// Handler returns an HTTP handler exposing the registry, or nil when
// metrics are disabled.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished controller request.
func ObserveRequest(verb, partition string, start time.Time, ok bool) {
	mu.Lock()
	on := enabled
	mu.Unlock()
	if !on {
		return
	}

	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(verb, partition, outcome).Inc()
	requestDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
}

// RequestStarted marks a request in flight; the returned function marks it
// finished.
func RequestStarted() func() {
	mu.Lock()
	on := enabled
	mu.Unlock()
	if !on {
		return func() {}
	}
	requestsInFlight.Inc()
	return requestsInFlight.Dec
}
