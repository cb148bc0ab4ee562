package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported through MessageDropped.
const (
	DropMalformed      = "malformed"
	DropUnknownSession = "unknown_session"
	DropSizeLimit      = "size_limit"
)

// Metrics groups the engine's collectors.
type Metrics struct {
	ChangesSent     prometheus.Counter
	ChangesApplied  prometheus.Counter
	ChangesRejected prometheus.Counter
	MessagesDropped *prometheus.CounterVec
	Undelivered     prometheus.Counter
	PeerEvents      *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChangesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendril_changes_sent_total",
			Help: "Total number of field changes handed to the transport",
		}),
		ChangesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendril_changes_applied_total",
			Help: "Total number of remote field changes accepted by last-writer-wins",
		}),
		ChangesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendril_changes_rejected_total",
			Help: "Total number of remote field changes older than the stored value",
		}),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tendril_messages_dropped_total",
				Help: "Total number of inbound messages discarded",
			},
			[]string{"reason"},
		),
		Undelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tendril_undelivered_total",
			Help: "Total number of local writes with no reachable peer",
		}),
		PeerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tendril_peer_events_total",
				Help: "Total number of peer connectivity transitions",
			},
			[]string{"state"},
		),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tendril_sessions_active",
			Help: "Number of sessions with at least one attached object",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChangesSent,
			m.ChangesApplied,
			m.ChangesRejected,
			m.MessagesDropped,
			m.Undelivered,
			m.PeerEvents,
			m.SessionsActive,
		)
	}
	return m
}

func (m *Metrics) Sent(n int) {
	if m == nil {
		return
	}
	m.ChangesSent.Add(float64(n))
}

func (m *Metrics) Applied(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChangesApplied.Add(float64(n))
}

func (m *Metrics) Rejected(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChangesRejected.Add(float64(n))
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) NotDelivered() {
	if m == nil {
		return
	}
	m.Undelivered.Inc()
}

func (m *Metrics) PeerEvent(state string) {
	if m == nil {
		return
	}
	m.PeerEvents.WithLabelValues(state).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}
