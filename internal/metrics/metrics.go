// Package metrics provides Prometheus instrumentation for shopkeep.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsLive tracks sessions currently in the Live state.
	SessionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopkeep_sessions_live",
			Help: "Number of sessions with a registered WebSocket",
		},
	)

	// Reconnects counts session reconnect attempts.
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_session_reconnects_total",
			Help: "Session reconnect attempts by cause",
		},
		[]string{"cause"},
	)

	// TokenRefreshes counts access-token refresh outcomes.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_token_refreshes_total",
			Help: "Access-token refreshes by result",
		},
		[]string{"result"},
	)

	// FramesReceived counts decoded inbound frames by kind.
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_frames_received_total",
			Help: "Inbound frames by kind",
		},
		[]string{"kind"},
	)

	// FramesDropped counts inbound frames dropped before handling.
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_frames_dropped_total",
			Help: "Inbound frames dropped by reason",
		},
		[]string{"reason"},
	)

	// RepliesSent counts outbound chat replies by the source that produced them.
	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_replies_sent_total",
			Help: "Outbound replies by source",
		},
		[]string{"source"},
	)

	// Deliveries counts delivery outcomes.
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_deliveries_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AIDuration tracks AI completion latency.
	AIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shopkeep_ai_request_duration_seconds",
			Help:    "AI completion latency",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "status"},
	)

	// Notifications counts notifier sends.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopkeep_notifications_total",
			Help: "Notifier sends by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// RecordAI records the latency of a single AI call.
func RecordAI(provider, status string, seconds float64) {
	AIDuration.WithLabelValues(provider, status).Observe(seconds)
}
