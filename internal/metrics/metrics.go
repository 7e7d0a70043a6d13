// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shipbot"

// Metrics contains every collector the bot records.
type Metrics struct {
	registry *prometheus.Registry

	// Conversation
	Outcomes        *prometheus.CounterVec // by event kind and outcome
	InboundMessages *prometheus.CounterVec // by channel
	DroppedMessages *prometheus.CounterVec // by reason: duplicate, throttled
	ActiveSessions  prometheus.Gauge
	EvictedSessions prometheus.Counter

	// Carrier
	RateCacheHits   prometheus.Counter
	RateCacheMisses prometheus.Counter
	CarrierRequests *prometheus.CounterVec   // by operation and result
	CarrierDuration *prometheus.HistogramVec // by operation

	// Payment
	Payments       *prometheus.CounterVec // by method and result
	Labels         *prometheus.CounterVec // by result
	Refunds        prometheus.Counter
	InvoiceUpdates *prometheus.CounterVec // by source (webhook, reconcile) and status
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "outcomes_total",
			Help:      "Engine outcomes by inbound event kind and outcome kind",
		}, []string{"event", "outcome"}),

		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "inbound_messages_total",
			Help:      "Inbound chat events received",
		}, []string{"channel"}),

		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dropped_messages_total",
			Help:      "Inbound chat events dropped before reaching the engine",
		}, []string{"reason"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions in progress at the last sweep",
		}),

		EvictedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions removed for inactivity",
		}),

		RateCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "carrier",
			Name:      "rate_cache_hits_total",
			Help:      "Rate quotes served from the cache",
		}),

		RateCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "carrier",
			Name:      "rate_cache_misses_total",
			Help:      "Rate quotes fetched from the carrier",
		}),

		CarrierRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "carrier",
			Name:      "requests_total",
			Help:      "Carrier API calls by operation and result",
		}, []string{"operation", "result"}),

		CarrierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "carrier",
			Name:      "request_duration_seconds",
			Help:      "Carrier API call duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),

		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "attempts_total",
			Help:      "Payment attempts by method and result",
		}, []string{"method", "result"}),

		Labels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "labels_total",
			Help:      "Label purchases by result",
		}, []string{"result"}),

		Refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "refunds_total",
			Help:      "Balance refunds after failed label purchases or cancellations",
		}),

		InvoiceUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "invoice_updates_total",
			Help:      "Crypto invoice status reports by source and status",
		}, []string{"source", "status"}),
	}

	m.registry.MustRegister(
		m.Outcomes, m.InboundMessages, m.DroppedMessages, m.ActiveSessions, m.EvictedSessions,
		m.RateCacheHits, m.RateCacheMisses, m.CarrierRequests, m.CarrierDuration,
		m.Payments, m.Labels, m.Refunds, m.InvoiceUpdates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Result labels shared by the counters above.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Result maps an error to ResultOK or ResultError.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
