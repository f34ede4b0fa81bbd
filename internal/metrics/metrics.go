// Package metrics exposes Prometheus instrumentation for the GraphQL
// transport, cache, executor and subscription channels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gqlwire"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	CacheLookups        *prometheus.CounterVec
	InFlightJoins       prometheus.Counter
	Requests            *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	Retries             *prometheus.CounterVec
	SubscriptionFrames  *prometheus.CounterVec
	Reconnects          prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
}

// New registers all collectors with reg. Passing nil registers with a
// fresh private registry, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result (hit or miss).",
		}, []string{"result"}),
		InFlightJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "inflight_joins_total",
			Help:      "Callers that attached to an already running request.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "HTTP GraphQL requests by outcome.",
		}, []string{"outcome"}),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP GraphQL requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Scheduled retry attempts by operation class.",
		}, []string{"operation"}),
		SubscriptionFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "frames_total",
			Help:      "graphql-ws frames received by message type.",
		}, []string{"type"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "reconnects_total",
			Help:      "Automatic reconnections scheduled after abnormal closure.",
		}),
		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Channels currently in the active phase.",
		}),
	}
}

// CacheHit counts a lookup answered from the cache.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss counts a lookup that found nothing live.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// InFlightJoined counts a caller that shared another caller's request.
func (m *Metrics) InFlightJoined() {
	if m == nil {
		return
	}
	m.InFlightJoins.Inc()
}

// ObserveRequest records one finished transport call.
func (m *Metrics) ObserveRequest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(elapsed.Seconds())
}

// RetryScheduled counts one retry wait for the operation class.
func (m *Metrics) RetryScheduled(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

// FrameReceived counts one graphql-ws frame by type.
func (m *Metrics) FrameReceived(messageType string) {
	if m == nil {
		return
	}
	m.SubscriptionFrames.WithLabelValues(messageType).Inc()
}

// ReconnectScheduled counts one backoff reconnect.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SubscriptionActive moves the active gauge up or down.
func (m *Metrics) SubscriptionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveSubscriptions.Inc()
		return
	}
	m.ActiveSubscriptions.Dec()
}
