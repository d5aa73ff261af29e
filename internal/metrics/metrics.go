// Package metrics instruments the sync engine. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	mutations        *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	events           *prometheus.CounterVec
	reconnects       prometheus.Counter
	snapshotWrites   *prometheus.CounterVec
	connectionState  prometheus.Gauge
	effectFailures   *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listsync_mutations_total",
			Help: "Settled optimistic mutations by kind and outcome",
		}, []string{"kind", "outcome"}),
		mutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listsync_mutation_duration_seconds",
			Help:    "Time from optimistic apply to settlement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listsync_events_total",
			Help: "Realtime events by type and merge outcome",
		}, []string{"type", "outcome"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "listsync_reconnects_total",
			Help: "Transport reconnect attempts",
		}),
		snapshotWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listsync_snapshot_writes_total",
			Help: "Snapshot writes by outcome",
		}, []string{"outcome"}),
		connectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "listsync_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting",
		}),
		effectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "listsync_effect_failures_total",
			Help: "Failed post-mutation effects by name",
		}, []string{"effect"}),
	}
}

func (m *Metrics) MutationSettled(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
	m.mutationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) EventMerged(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SnapshotWrite(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.snapshotWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}

func (m *Metrics) EffectFailed(name string) {
	if m == nil {
		return
	}
	m.effectFailures.WithLabelValues(name).Inc()
}
