package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the relay's Prometheus metrics: connection churn, event
// flow by kind, call signaling outcomes, message relay volume, and
// notification filtering. Exposed at /metrics on the gateway mux.
type Metrics struct {
	// ConnectionsActive is the number of registered websocket sessions.
	ConnectionsActive prometheus.Gauge

	// ConnectionCounter tracks connection lifecycle events.
	// Labels: event (opened|closed|evicted|rejected)
	ConnectionCounter *prometheus.CounterVec

	// EventCounter tracks protocol frames by kind and direction.
	// Labels: kind, direction (in|out)
	EventCounter *prometheus.CounterVec

	// DispatchDuration measures relay dispatch latency in seconds.
	// Labels: kind
	DispatchDuration *prometheus.HistogramVec

	// RelayErrors counts errors surfaced to clients by stable code.
	// Labels: code
	RelayErrors *prometheus.CounterVec

	// CallsActive is the number of non-terminal calls.
	CallsActive prometheus.Gauge

	// CallCounter tracks resolved calls by outcome.
	// Labels: outcome (hangup|rejected|timed_out|peer_disconnected)
	CallCounter *prometheus.CounterVec

	// RingDuration measures time from initiate to leaving ringing, in
	// seconds. Buckets sized around the default 30s ring timeout.
	RingDuration prometheus.Histogram

	// MessagesRelayed counts chat messages forwarded to receivers.
	// Labels: type (text|system|help_request)
	MessagesRelayed *prometheus.CounterVec

	// NotificationCounter tracks dispatcher decisions.
	// Labels: outcome (emitted|muted|type_disabled|quiet_hours|duplicate|expired)
	NotificationCounter *prometheus.CounterVec

	// PresenceEvents counts presence changes fanned out to subscribers.
	PresenceEvents prometheus.Counter

	// SlowClientDrops counts connections closed because their send buffer
	// overflowed.
	SlowClientDrops prometheus.Counter
}

// NewMetrics creates and registers all relay metrics. A nil registerer
// uses the Prometheus default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Current number of registered websocket sessions",
		}),

		ConnectionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_connections_total",
				Help: "Connection lifecycle events",
			},
			[]string{"event"},
		),

		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_total",
				Help: "Protocol frames by kind and direction",
			},
			[]string{"kind", "direction"},
		),

		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulse_dispatch_duration_seconds",
				Help:    "Relay dispatch latency by event kind",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"kind"},
		),

		RelayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_relay_errors_total",
				Help: "Errors surfaced to clients by stable code",
			},
			[]string{"code"},
		),

		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_calls_active",
			Help: "Current number of non-terminal calls",
		}),

		CallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_calls_total",
				Help: "Resolved calls by outcome",
			},
			[]string{"outcome"},
		),

		RingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_call_ring_duration_seconds",
			Help:    "Time a call spent ringing before resolution",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45},
		}),

		MessagesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_messages_relayed_total",
				Help: "Chat messages forwarded to receivers by type",
			},
			[]string{"type"},
		),

		NotificationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_notifications_total",
				Help: "Notification dispatcher decisions",
			},
			[]string{"outcome"},
		),

		PresenceEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_presence_events_total",
			Help: "Presence changes fanned out to subscribers",
		}),

		SlowClientDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_slow_client_drops_total",
			Help: "Connections closed because their send buffer overflowed",
		}),
	}
}

// ConnectionOpened records a registered session.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsActive.Inc()
	m.ConnectionCounter.WithLabelValues("opened").Inc()
}

// ConnectionClosed records a departed session. evicted marks closes forced
// by a replacement connection for the same identity.
func (m *Metrics) ConnectionClosed(evicted bool) {
	m.ConnectionsActive.Dec()
	if evicted {
		m.ConnectionCounter.WithLabelValues("evicted").Inc()
	} else {
		m.ConnectionCounter.WithLabelValues("closed").Inc()
	}
}

// ConnectionRejected records a handshake that never became a session.
func (m *Metrics) ConnectionRejected() {
	m.ConnectionCounter.WithLabelValues("rejected").Inc()
}

// EventIn records an inbound frame.
func (m *Metrics) EventIn(kind string) {
	m.EventCounter.WithLabelValues(kind, "in").Inc()
}

// EventOut records an outbound frame.
func (m *Metrics) EventOut(kind string) {
	m.EventCounter.WithLabelValues(kind, "out").Inc()
}

// RecordDispatch records dispatch latency for one inbound frame.
func (m *Metrics) RecordDispatch(kind string, seconds float64) {
	m.DispatchDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordRelayError counts an error surfaced to a client.
func (m *Metrics) RecordRelayError(code string) {
	m.RelayErrors.WithLabelValues(code).Inc()
}

// CallStarted records a call entering the ringing state.
func (m *Metrics) CallStarted() {
	m.CallsActive.Inc()
}

// CallResolved records a call reaching a terminal state. ringSeconds is
// how long the call spent ringing before it was answered or abandoned;
// negative values skip the histogram.
func (m *Metrics) CallResolved(outcome string, ringSeconds float64) {
	m.CallsActive.Dec()
	m.CallCounter.WithLabelValues(outcome).Inc()
	if ringSeconds >= 0 {
		m.RingDuration.Observe(ringSeconds)
	}
}

// MessageRelayed records a chat message forwarded to its receiver.
func (m *Metrics) MessageRelayed(messageType string) {
	m.MessagesRelayed.WithLabelValues(messageType).Inc()
}

// NotificationOutcome records one dispatcher decision.
func (m *Metrics) NotificationOutcome(outcome string) {
	m.NotificationCounter.WithLabelValues(outcome).Inc()
}
