package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessiond_sessions_registered",
		Help: "The current number of sessions in the registry.",
	})
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_status_transitions_total",
		Help: "The total number of persisted session status transitions.",
	}, []string{"status"})
	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_connections_closed_total",
		Help: "The total number of closed connections by close kind.",
	}, []string{"kind"})
	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_reconnects_scheduled_total",
		Help: "The total number of reconnection attempts scheduled.",
	})
	PairingChallenges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_pairing_challenges_total",
		Help: "The total number of pairing challenges received.",
	})

	// Replay cache metrics
	ReplayLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_replay_cache_lookups_total",
		Help: "The total number of message replay cache lookups.",
	}, []string{"result"})

	// Import metrics
	HistoryBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_history_batches_total",
		Help: "The total number of history snapshot batches observed while armed.",
	})
	HistoryMessagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_history_messages_queued_total",
		Help: "The total number of history messages queued for import.",
	})
	ImportsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessiond_imports_started_total",
		Help: "The total number of downstream import jobs started.",
	})

	// Notification metrics
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessiond_notifications_failed_total",
		Help: "The total number of notifications that could not be delivered.",
	}, []string{"bus"})
)
