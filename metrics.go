package brainsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instrumentation of the realtime layer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Connected is 1 while the session's socket has a live link.
	Connected prometheus.Gauge

	// ReconnectAttempts counts scheduled reconnect attempts.
	ReconnectAttempts prometheus.Counter

	// ConnectErrors counts failed dials.
	ConnectErrors prometheus.Counter

	// EventsReceived counts inbound events, labeled by event name. Names
	// outside the protocol are counted as "other".
	EventsReceived *prometheus.CounterVec

	// EventsEmitted counts outbound events, labeled by event name and
	// result: "sent", "dropped" (no link) or "failed".
	EventsEmitted *prometheus.CounterVec

	// HandlerPanics counts recovered panics in subscriber handlers.
	HandlerPanics *prometheus.CounterVec

	// CacheInvalidations counts conversation cache invalidations by key kind.
	CacheInvalidations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brainsync_connected",
			Help: "Whether the realtime socket currently has a live link",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brainsync_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		ConnectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brainsync_connect_errors_total",
			Help: "Total number of transport connect errors",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brainsync_events_received_total",
			Help: "Total number of inbound realtime events",
		}, []string{"event"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brainsync_events_emitted_total",
			Help: "Total number of outbound realtime events",
		}, []string{"event", "result"}), // result = "sent", "dropped", "failed"
		HandlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brainsync_handler_panics_total",
			Help: "Total number of recovered subscriber handler panics",
		}, []string{"event"}),
		CacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brainsync_cache_invalidations_total",
			Help: "Total number of conversation cache invalidations",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connected,
			m.ReconnectAttempts,
			m.ConnectErrors,
			m.EventsReceived,
			m.EventsEmitted,
			m.HandlerPanics,
			m.CacheInvalidations,
		)
	}
	return m
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) connectError() {
	if m != nil {
		m.ConnectErrors.Inc()
	}
}

func (m *Metrics) received(event string) {
	if m != nil {
		m.EventsReceived.WithLabelValues(eventLabel(event)).Inc()
	}
}

func (m *Metrics) emitted(event, result string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(eventLabel(event), result).Inc()
	}
}

func (m *Metrics) handlerPanic(event string) {
	if m != nil {
		m.HandlerPanics.WithLabelValues(eventLabel(event)).Inc()
	}
}

func (m *Metrics) invalidated(kind string) {
	if m != nil {
		m.CacheInvalidations.WithLabelValues(kind).Inc()
	}
}

// eventLabel bounds label cardinality to the protocol's event names.
func eventLabel(event string) string {
	switch event {
	case EventConnect, EventDisconnect, EventConnectError, EventError,
		EventMessageNew, EventMessageRead, EventMessageReaction,
		EventUserTyping, EventUserStoppedTyping, EventPresenceUpdate,
		EventConversationJoin, EventConversationLeave, EventTypingStart, EventTypingStop:
		return event
	}
	return "other"
}
