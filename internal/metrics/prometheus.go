// Package metrics exposes cache metrics to Prometheus. Every recording
// function is a no-op until InitPrometheus has been called.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors of the page cache
type PrometheusMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	clearsTotal       *prometheus.CounterVec

	serverStatus *prometheus.GaugeVec
	clientAlive  *prometheus.GaugeVec
}

// Default histogram buckets for backend calls (in milliseconds)
var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

var (
	promMu      sync.RWMutex
	promMetrics *PrometheusMetrics
)

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of cache backend operations",
			},
			[]string{"backend", "op", "result"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_milliseconds",
				Help:      "Duration of cache backend operations in milliseconds",
				Buckets:   buckets,
			},
			[]string{"backend", "op"},
		),

		clearsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clears_total",
				Help:      "Total number of cache invalidations by mode and outcome",
			},
			[]string{"backend", "mode", "result"},
		),

		serverStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_status",
				Help:      "Last probed status of each backend node (-1 unknown, 0 down, 1 up)",
			},
			[]string{"backend", "server"},
		),

		clientAlive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "client_alive",
				Help:      "Whether the most recently built client of a backend initialized",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		pm.operationsTotal,
		pm.operationDuration,
		pm.clearsTotal,
		pm.serverStatus,
		pm.clientAlive,
	)

	promMu.Lock()
	promMetrics = pm
	promMu.Unlock()
}

func current() *PrometheusMetrics {
	promMu.RLock()
	defer promMu.RUnlock()
	return promMetrics
}

// RecordCacheOp records one backend call and its latency
func RecordCacheOp(backend, op, result string, d time.Duration) {
	pm := current()
	if pm == nil {
		return
	}
	pm.operationsTotal.WithLabelValues(backend, op, result).Inc()
	pm.operationDuration.WithLabelValues(backend, op).Observe(float64(d) / float64(time.Millisecond))
}

// RecordClear records an invalidation
func RecordClear(backend, mode, result string) {
	pm := current()
	if pm == nil {
		return
	}
	pm.clearsTotal.WithLabelValues(backend, mode, result).Inc()
}

// SetServerStatus sets the probed status of a backend node
func SetServerStatus(backend, server string, status int) {
	pm := current()
	if pm == nil {
		return
	}
	pm.serverStatus.WithLabelValues(backend, server).Set(float64(status))
}

// SetClientAlive records whether a client of backend initialized
func SetClientAlive(backend string, alive bool) {
	pm := current()
	if pm == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1
	}
	pm.clientAlive.WithLabelValues(backend).Set(v)
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	pm := current()
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	pm := current()
	if pm == nil {
		return nil
	}
	return pm.registry
}
