// Package metrics provides Prometheus instrumentation for the pairing engine
// and the gateway: gauges for live sessions, queue and connections, counters
// for matches, endings, messages, warnings and reveals, and a histogram of
// queue wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks sessions with a live runtime in this process.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_active_sessions",
		Help: "Current number of active sessions with a live watchdog",
	})

	// QueueSize tracks the number of users in the waiting queue.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_queue_size",
		Help: "Current number of users in the waiting queue",
	})

	// Connections tracks open WebSocket connections on the gateway.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_connections",
		Help: "Current number of open WebSocket connections",
	})

	// MatchesTotal counts sessions created by the matcher.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_matches_total",
		Help: "Total number of sessions created",
	})

	// SessionsEndedTotal counts session endings by reason.
	SessionsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_sessions_ended_total",
		Help: "Total number of sessions ended",
	}, []string{"reason"}) // reason = "stop", "next", "inactivity", "stale"

	// MessagesTotal counts relayed and rejected messages.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // type = "relayed", "sanitized", "rejected", "command"

	// WarningsTotal counts inactivity warnings sent.
	WarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_warnings_total",
		Help: "Total number of inactivity warnings sent",
	})

	// RevealsTotal counts reveal requests by outcome.
	RevealsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_reveals_total",
		Help: "Total number of reveal requests",
	}, []string{"result"}) // result = "pending", "mutual", "already", "unavailable"

	// PresenceTotal counts gateway connect and disconnect events.
	PresenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_presence_events_total",
		Help: "Total number of presence events received from gateways",
	}, []string{"event"})

	// MatchWait records how long a user waited in the queue before a match.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_match_wait_seconds",
		Help:    "Time from enqueue to match",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		QueueSize,
		Connections,
		MatchesTotal,
		SessionsEndedTotal,
		MessagesTotal,
		WarningsTotal,
		RevealsTotal,
		PresenceTotal,
		MatchWait,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
