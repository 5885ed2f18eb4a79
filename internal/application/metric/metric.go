package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conclave_session_state",
			Help: "Current session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	activeParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conclave_active_participants",
			Help: "Participants currently active in the joined room",
		},
	)

	activePeerLinks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conclave_active_peer_links",
			Help: "Open peer media links",
		},
	)

	joinAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conclave_join_attempts_total",
			Help: "Join attempts issued against the signaling server",
		},
	)

	transportReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conclave_transport_reconnects_total",
			Help: "Signaling transport reconnect attempts",
		},
	)

	protocolAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_protocol_anomalies_total",
			Help: "Signaling events absorbed as no-ops (unknown ids, duplicates)",
		},
		[]string{"kind"},
	)

	chatMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conclave_chat_messages_total",
			Help: "Chat messages appended to the session log",
		},
	)
)

var sessionStates = []string{"idle", "joining", "joined", "leaving", "left", "failed"}

// SetSessionState marks one state active and clears the rest.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

func SetActiveParticipants(count int) {
	activeParticipants.Set(float64(count))
}

func SetActivePeerLinks(count int) {
	activePeerLinks.Set(float64(count))
}

func IncrementJoinAttempts() {
	joinAttemptsTotal.Inc()
}

func IncrementTransportReconnects() {
	transportReconnectsTotal.Inc()
}

func IncrementProtocolAnomalies(kind string) {
	protocolAnomaliesTotal.WithLabelValues(kind).Inc()
}

func IncrementChatMessages() {
	chatMessagesTotal.Inc()
}
