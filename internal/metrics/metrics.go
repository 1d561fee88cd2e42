// Package metrics exposes Prometheus collectors for the hub: connected
// sessions, live presence, signaling relay outcomes and chat throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsConnected tracks open signaling WebSocket sessions.
	SessionsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_sessions_connected",
		Help: "Current number of open signaling sessions",
	})

	// PresenceEntries tracks (room, user) presence entries across all rooms.
	PresenceEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_presence_entries",
		Help: "Current number of presence entries across all rooms",
	})

	// SignalsTotal counts call-setup messages by kind and result
	// ("relayed" or "dropped").
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_signals_total",
		Help: "Signaling messages handled by the relay",
	}, []string{"kind", "result"})

	// BroadcastDropped counts room events not delivered because a
	// recipient's send buffer was full.
	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "huddle_broadcast_dropped_total",
		Help: "Room events dropped due to recipient backpressure",
	})

	// ChatMessagesTotal counts persisted chat messages by source
	// ("typed" or "speech").
	ChatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_chat_messages_total",
		Help: "Chat messages appended and echoed to rooms",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		SessionsConnected,
		PresenceEntries,
		SignalsTotal,
		BroadcastDropped,
		ChatMessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
