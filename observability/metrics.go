// Package observability exposes engine metrics and process self-stats.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics aggregates everything the session engine counts. All
// methods are safe for concurrent use; a nil *EngineMetrics is a valid
// no-op receiver so tests can skip wiring it.
type EngineMetrics struct {
	sessionsActive     prometheus.Gauge
	participantsActive prometheus.Gauge
	broadcasts         *prometheus.CounterVec
	cursorsDropped     prometheus.Counter
	slowDisconnects    prometheus.Counter
	lockGrants         prometheus.Counter
	lockDenials        prometheus.Counter
	intentsRejected    prometheus.Counter
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomlab", Name: "sessions_active",
			Help: "Live collaboration sessions.",
		}),
		participantsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomlab", Name: "participants_active",
			Help: "Connected participants across all sessions.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomlab", Name: "broadcast_events_total",
			Help: "Events fanned out to participant sinks, by kind.",
		}, []string{"kind"}),
		cursorsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomlab", Name: "cursor_updates_coalesced_total",
			Help: "Cursor updates superseded before delivery under backpressure.",
		}),
		slowDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomlab", Name: "slow_client_disconnects_total",
			Help: "Clients disconnected because their outbound queue stayed full.",
		}),
		lockGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomlab", Name: "lock_grants_total",
			Help: "Element lock requests granted.",
		}),
		lockDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomlab", Name: "lock_denials_total",
			Help: "Element lock requests denied because another holder is live.",
		}),
		intentsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomlab", Name: "intents_rejected_total",
			Help: "Inbound intents rejected (malformed, unknown user, queue full).",
		}),
	}
	reg.MustRegister(
		m.sessionsActive, m.participantsActive, m.broadcasts,
		m.cursorsDropped, m.slowDisconnects,
		m.lockGrants, m.lockDenials, m.intentsRejected,
	)
	return m
}

func (m *EngineMetrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *EngineMetrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *EngineMetrics) ParticipantJoined() {
	if m != nil {
		m.participantsActive.Inc()
	}
}

func (m *EngineMetrics) ParticipantLeft() {
	if m != nil {
		m.participantsActive.Dec()
	}
}

func (m *EngineMetrics) Broadcast(kind string) {
	if m != nil {
		m.broadcasts.WithLabelValues(kind).Inc()
	}
}

func (m *EngineMetrics) CursorCoalesced() {
	if m != nil {
		m.cursorsDropped.Inc()
	}
}

func (m *EngineMetrics) SlowClientDisconnected() {
	if m != nil {
		m.slowDisconnects.Inc()
	}
}

func (m *EngineMetrics) LockGranted() {
	if m != nil {
		m.lockGrants.Inc()
	}
}

func (m *EngineMetrics) LockDenied() {
	if m != nil {
		m.lockDenials.Inc()
	}
}

func (m *EngineMetrics) IntentRejected() {
	if m != nil {
		m.intentsRejected.Inc()
	}
}
