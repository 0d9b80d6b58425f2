package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_replication_sessions",
		Help: "Number of connected replication sessions.",
	})

	mMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_replication_messages_total",
		Help: "Messages enqueued to sessions, by message type.",
	}, []string{"type"})

	mPatchCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_replication_patch_cache_total",
		Help: "Patch cache lookups during broadcast rounds, by result.",
	}, []string{"result"})

	mDroppedSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statesync_replication_dropped_sessions_total",
		Help: "Sessions dropped because a send failed.",
	})

	mBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statesync_replication_broadcast_rounds_total",
		Help: "Broadcast rounds performed.",
	})
)
