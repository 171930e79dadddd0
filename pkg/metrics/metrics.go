// Package metrics mirrors the teacher's pkg/metrics: package-level
// prometheus.Collector variables registered once in init(), plus a
// Timer helper for histogram observations. Unlike the teacher, the
// primary exposition spec §6.1 requires is a JSON snapshot (Snapshot,
// served at GET /metrics); the Prometheus registry still exists for
// a secondary text-exposition debug route.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_raft_is_leader",
		Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
	})
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_raft_term",
		Help: "Current Raft term",
	})
	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_raft_commit_index",
		Help: "Highest Raft log index known to be committed",
	})
	RaftElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_raft_elections_total",
		Help: "Total number of elections this node has started",
	})

	PBFTView = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_pbft_view",
		Help: "Current PBFT view number",
	})
	PBFTSequence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_pbft_sequence",
		Help: "Highest PBFT sequence number assigned by this node's primary role",
	})
	PBFTByzantineNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_pbft_byzantine_nodes",
		Help: "Number of peers this node currently suspects as Byzantine",
	})

	LockTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_lock_table_size",
		Help: "Number of distinct locks currently tracked",
	})
	LockWaitersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_lock_waiters_total",
		Help: "Total number of queued lock waiters across all locks",
	})
	DeadlocksDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_deadlocks_detected_total",
		Help: "Total number of lock requests aborted due to a detected deadlock",
	})

	QueueProducedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_queue_produced_total",
		Help: "Total number of messages produced, by queue",
	}, []string{"queue"})
	QueueConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_queue_consumed_total",
		Help: "Total number of messages consumed, by queue",
	}, []string{"queue"})
	QueueAckedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_queue_acked_total",
		Help: "Total number of messages acknowledged, by queue",
	}, []string{"queue"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_cache_hits_total",
		Help: "Total number of cache reads served locally",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncd_cache_misses_total",
		Help: "Total number of cache reads that required a refetch",
	})
	CacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncd_cache_size",
		Help: "Current number of entries held in the cache",
	})
	CacheStateCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "syncd_cache_state_count",
		Help: "Number of cache entries in each coherence state",
	}, []string{"state"})

	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncd_api_requests_total",
		Help: "Total number of client API requests by route and status",
	}, []string{"route", "status"})
	APIRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncd_api_request_duration_seconds",
		Help:    "Client API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	RaftApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncd_raft_apply_duration_seconds",
		Help:    "Time taken to apply a committed Raft log entry",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftTerm,
		RaftCommitIndex,
		RaftElectionsTotal,
		PBFTView,
		PBFTSequence,
		PBFTByzantineNodes,
		LockTableSize,
		LockWaitersTotal,
		DeadlocksDetectedTotal,
		QueueProducedTotal,
		QueueConsumedTotal,
		QueueAckedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheSize,
		CacheStateCount,
		APIRequestsTotal,
		APIRequestDuration,
		RaftApplyDuration,
	)
}

// Handler returns the Prometheus text-exposition HTTP handler, mounted
// at the operator debug route (spec §6.1's /metrics is the JSON
// snapshot instead; see Snapshot).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations, identical in shape to the
// teacher's pkg/metrics.Timer.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Snapshot is the JSON body spec §6.1 requires at GET /metrics. The
// node package fills it in from its live components; this package
// only defines its shape and owns the parallel Prometheus registry.
type Snapshot struct {
	RaftTerm       int            `json:"raft_term"`
	RaftIsLeader   bool           `json:"raft_is_leader"`
	RaftCommit     int            `json:"raft_commit_index"`
	PBFTView       int            `json:"pbft_view"`
	PBFTQuorum     int            `json:"pbft_quorum"`
	PBFTByzantine  int            `json:"pbft_byzantine_nodes"`
	LockCount      int            `json:"lock_count"`
	LockWaiters    int            `json:"lock_waiters"`
	CacheHits      uint64         `json:"cache_hits"`
	CacheMisses    uint64         `json:"cache_misses"`
	CacheSize      int            `json:"cache_size"`
	CacheStateDist map[string]int `json:"cache_state_distribution"`
}
