package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for tracking pool behavior across relay connections.
var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_pool_active_connections",
		Help: "The number of established relay connections",
	})

	ConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_connection_attempts_total",
		Help: "The total number of dial attempts across all relays",
	})

	ConnectionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_connection_failures_total",
		Help: "The total number of failed dial attempts",
	})

	RelayStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_relay_state_transitions_total",
		Help: "Connection state transitions by resulting state",
	}, []string{"state"})

	// Message metrics
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_messages_received_total",
		Help: "The total number of relay frames received by type",
	}, []string{"type"}) // "EVENT", "OK", "EOSE", etc.

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_messages_sent_total",
		Help: "The total number of frames sent to relays",
	})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_malformed_frames_total",
		Help: "The total number of unparseable relay frames",
	})

	// Event metrics
	EventsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_events_forwarded_total",
		Help: "The total number of unique events surfaced to consumers",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_duplicate_events_total",
		Help: "The total number of cross-relay duplicates dropped",
	})

	// Subscription metrics
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_pool_active_subscriptions",
		Help: "The number of standing subscriptions",
	})

	// Publish metrics
	PublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_publish_outcomes_total",
		Help: "Per-relay publish outcomes by status",
	}, []string{"status"}) // "accepted", "rejected", "failed"

	// Sync metrics
	SyncSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_pool_sync_sessions_total",
		Help: "Reconciliation sessions by outcome",
	}, []string{"outcome"}) // "complete", "unsupported", "protocol_error", "timeout", "round_limit"

	SyncRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostr_pool_sync_rounds",
		Help:    "Rounds needed to complete a reconciliation session",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})

	SyncDiffSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nostr_pool_sync_diff_size",
		Help:    "Size of the have/need sets produced by reconciliation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"side"}) // "have", "need"

	// Notification metrics
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_pool_notifications_dropped_total",
		Help: "Notifications dropped due to slow consumers",
	})
)

// Local counters mirrored for cheap programmatic reads.
var (
	activeConnectionsCount int64
	eventsForwardedCount   int64
)

// IncrementActiveConnections bumps both the prometheus gauge and the local
// counter.
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

// DecrementActiveConnections lowers both the prometheus gauge and the local
// counter.
func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetActiveConnectionsCount returns the current established connection count.
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// IncrementEventsForwarded records one unique event surfaced to consumers.
func IncrementEventsForwarded() {
	EventsForwarded.Inc()
	atomic.AddInt64(&eventsForwardedCount, 1)
}

// GetEventsForwardedCount returns the number of unique events surfaced.
func GetEventsForwardedCount() int64 {
	return atomic.LoadInt64(&eventsForwardedCount)
}
