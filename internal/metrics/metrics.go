// Package metrics provides Prometheus instrumentation for the direct-messaging
// service. It exposes gauges for connections and online users, counters for
// message and signal outcomes, and a histogram for store write latency.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var onlineUsersSource atomic.Pointer[func() int]

var (
	// ConnectionsActive tracks the current number of open WebSocket connections,
	// including evicted ones not yet reaped.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_dm_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers reports the number of users with a live session, read from
	// the source installed with SetOnlineUsersSource at scrape time.
	OnlineUsers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "whisper_dm_online_users",
		Help: "Current number of users with a live session",
	}, func() float64 {
		if fn := onlineUsersSource.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})

	// SessionTransitions counts session directory transitions, labeled by kind:
	// "connected", "superseded" or "disconnected".
	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_dm_session_transitions_total",
		Help: "Session directory transitions",
	}, []string{"kind"})

	// MessagesTotal counts messages by outcome: "persisted", "rejected",
	// "store_failed", "delivered", "offline" or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_dm_messages_total",
		Help: "Total number of messages processed, by outcome",
	}, []string{"outcome"})

	// SignalsTotal counts control-plane signals: "ping", "typing_forwarded",
	// "typing_dropped".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_dm_signals_total",
		Help: "Control-plane signals handled, by result",
	}, []string{"result"})

	// StoreLatency records message insert latency in seconds.
	StoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_dm_store_latency_seconds",
		Help:    "Message store insert latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		SessionTransitions,
		MessagesTotal,
		SignalsTotal,
		StoreLatency,
	)
}

// SetOnlineUsersSource makes OnlineUsers report fn(). The last call wins.
func SetOnlineUsersSource(fn func() int) {
	onlineUsersSource.Store(&fn)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
