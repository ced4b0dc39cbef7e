// Package metrics defines the Prometheus instruments of the session core.
//
// Instruments are registered against an injected Registerer so tests can use
// an isolated prometheus.NewRegistry().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "protodesk"

// Request outcomes
const (
	RequestSucceeded = "success"
	RequestFailed    = "error"
	RequestCanceled  = "canceled"
	RequestSkipped   = "skipped"
)

// Metrics holds all instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	StopsTotal        *prometheus.CounterVec
	StreamEventsTotal prometheus.Counter
	StaleEventsTotal  prometheus.Counter
	SessionsActive    prometheus.Gauge
	ReconcileTotal    *prometheus.CounterVec
}

// New creates and registers all instruments on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "total",
			Help:      "Unary requests by outcome.",
		}, []string{"kind", "outcome"}),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "in_flight",
			Help:      "Forms with an outstanding request.",
		}),
		StopsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "stops_total",
			Help:      "Stop requests by backend outcome.",
		}, []string{"outcome"}),
		StreamEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Push events appended to active sessions.",
		}),
		StaleEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "stale_events_total",
			Help:      "Push events dropped because their session was already torn down.",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_active",
			Help:      "Streaming sessions currently subscribed.",
		}),
		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "reconcile_total",
			Help:      "Settled reconciliations by outcome.",
		}, []string{"outcome"}),
	}
}

// Reconciled implements state.OutcomeRecorder
func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(outcome).Inc()
}

// RequestSettled counts a finished unary request
func (m *Metrics) RequestSettled(kind, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// InFlight adjusts the in-flight gauge by delta
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.RequestsInFlight.Add(delta)
}

// StopSettled counts a finished stop request
func (m *Metrics) StopSettled(outcome string) {
	if m == nil {
		return
	}
	m.StopsTotal.WithLabelValues(outcome).Inc()
}

// EventAppended counts a push event; stale events were dropped
func (m *Metrics) EventAppended(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.StaleEventsTotal.Inc()
		return
	}
	m.StreamEventsTotal.Inc()
}

// SessionDelta adjusts the active sessions gauge by delta
func (m *Metrics) SessionDelta(delta float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(delta)
}
