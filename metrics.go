package offlinecache

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response sources for the request counter.
const (
	sourceNetwork     = "network"
	sourceCache       = "cache"
	sourceFallback    = "fallback"
	sourcePassthrough = "passthrough"
	sourceQueued      = "queued"
)

type metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	precacheFailures prometheus.Counter
	syncDispatch     *prometheus.CounterVec
	lifecycleState   prometheus.Gauge
}

// newMetrics creates the collectors on a registry of their own,
// so several workers can live in one process (and in tests).
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "requests_total",
			Help:      "Requests handled, by strategy and response source.",
		}, []string{"strategy", "source"}),
		precacheFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "precache_failures_total",
			Help:      "Precache manifest entries that could not be stored at install.",
		}),
		syncDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "sync_dispatch_total",
			Help:      "Background sync replays, by result.",
		}, []string{"result"}),
		lifecycleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offline_cache",
			Name:      "lifecycle_state",
			Help:      "Lifecycle state: 0 idle, 1 installing, 2 waiting, 3 activating, 4 active.",
		}),
	}
	m.registry.MustRegister(m.requests, m.precacheFailures, m.syncDispatch, m.lifecycleState)
	return m
}

func (m *metrics) request(strategy, source string) {
	m.requests.WithLabelValues(strategy, source).Inc()
}

func (m *metrics) syncResult(tag string, err error) {
	if err != nil {
		m.syncDispatch.WithLabelValues("failed").Inc()
		return
	}
	m.syncDispatch.WithLabelValues("synced").Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
