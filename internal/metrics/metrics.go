// Package metrics exposes Prometheus counters/gauges for the daemon's
// reader table and handle/session churn, mirroring the pcsc_ prefix
// convention the rest of the corpus uses per-subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks daemon-wide Prometheus metrics. A nil *Metrics is a
// valid no-op collector, so callers that build without a registerer
// (tests, pkg/pcsc consumers) never need a conditional.
type Metrics struct {
	ReadersAttached prometheus.Gauge
	StateChanges    *prometheus.CounterVec
	HandlesOpen     prometheus.Gauge
	ContextsOpen    prometheus.Gauge
	TransmitTotal   *prometheus.CounterVec
	TransmitLatency prometheus.Histogram
}

// New creates daemon metrics registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadersAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pcsc_readers_attached",
			Help: "Number of reader slots currently published in the registry.",
		}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcsc_state_changes_total",
			Help: "Reader state transitions observed by the event engine, by reader and transition kind.",
		}, []string{"reader", "transition"}),
		HandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pcsc_handles_open",
			Help: "Number of open SCardConnect handles.",
		}),
		ContextsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pcsc_contexts_open",
			Help: "Number of established client contexts.",
		}),
		TransmitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pcsc_transmit_total",
			Help: "SCardTransmit calls by outcome.",
		}, []string{"outcome"}),
		TransmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pcsc_transmit_duration_seconds",
			Help:    "SCardTransmit round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ReadersAttached,
		m.StateChanges,
		m.HandlesOpen,
		m.ContextsOpen,
		m.TransmitTotal,
		m.TransmitLatency,
	)
	return m
}

// Null returns nil, a valid no-op *Metrics.
func Null() *Metrics { return nil }

func (m *Metrics) SetReadersAttached(n int) {
	if m == nil {
		return
	}
	m.ReadersAttached.Set(float64(n))
}

func (m *Metrics) RecordStateChange(reader, transition string) {
	if m == nil {
		return
	}
	m.StateChanges.WithLabelValues(reader, transition).Inc()
}

func (m *Metrics) SetHandlesOpen(n int) {
	if m == nil {
		return
	}
	m.HandlesOpen.Set(float64(n))
}

func (m *Metrics) SetContextsOpen(n int) {
	if m == nil {
		return
	}
	m.ContextsOpen.Set(float64(n))
}

func (m *Metrics) RecordTransmit(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.TransmitTotal.WithLabelValues(outcome).Inc()
	m.TransmitLatency.Observe(seconds)
}
