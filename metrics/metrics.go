// Package metrics registers the prometheus collectors the chat core reports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core's collectors. A nil *Metrics is valid everywhere and
// records nothing, so tests and minimal deployments can skip registration.
type Metrics struct {
	EventsTotal   *prometheus.CounterVec
	ErrorsTotal   *prometheus.CounterVec
	OfflineQueued prometheus.Counter
	OfflineDrain  prometheus.Counter
	KeyExchanges  prometheus.Counter
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medichat_events_total",
			Help: "Socket events handled, by event name.",
		}, []string{"event"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medichat_errors_total",
			Help: "Failures surfaced to clients, by fault kind.",
		}, []string{"kind"}),
		OfflineQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medichat_offline_queued_total",
			Help: "Messages enqueued for an absent peer.",
		}),
		OfflineDrain: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medichat_offline_drained_total",
			Help: "Queued messages delivered to a late joiner.",
		}),
		KeyExchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medichat_key_exchanges_total",
			Help: "cipher_key_exchange emissions.",
		}),
	}
	reg.MustRegister(m.EventsTotal, m.ErrorsTotal, m.OfflineQueued, m.OfflineDrain, m.KeyExchanges)
	return m
}

// Event records one handled socket event.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(name).Inc()
}

// Error records one client-visible failure.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// Queued records messages enqueued offline.
func (m *Metrics) Queued(n int) {
	if m == nil {
		return
	}
	m.OfflineQueued.Add(float64(n))
}

// Drained records queued messages delivered on join.
func (m *Metrics) Drained(n int) {
	if m == nil {
		return
	}
	m.OfflineDrain.Add(float64(n))
}

// KeyExchange records one key exchange emission.
func (m *Metrics) KeyExchange() {
	if m == nil {
		return
	}
	m.KeyExchanges.Inc()
}
