package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent
type Metrics struct {
	// Chain head notifications
	HeadsReceived  prometheus.Counter
	HeadsCoalesced prometheus.Counter
	HeadsForced    prometheus.Counter
	HeadRate       prometheus.Gauge

	// Fetch queue
	FetchJobsQueued   prometheus.Counter
	FetchJobsComplete prometheus.Counter
	FetchJobsFailed   prometheus.Counter
	FetchTime         prometheus.Histogram
	FetchQueueDepth   prometheus.Gauge

	// Blocks
	BlocksDispatched prometheus.Counter
	BlocksRejected   *prometheus.CounterVec
	CurrentBlock     prometheus.Gauge

	// History backfill
	HistoryBatches      prometheus.Counter
	HistoryBatchFailed  prometheus.Counter
	HistoryBlocksFilled prometheus.Counter

	// Sink
	SinkEmits   *prometheus.CounterVec
	SinkDropped *prometheus.CounterVec
	SinkState   prometheus.Gauge
	Latency     prometheus.Gauge

	// Source
	SourceAttempts prometheus.Counter
	SourceState    prometheus.Gauge
	RPCRequests    *prometheus.CounterVec
	RPCFailures    *prometheus.CounterVec

	HandlerPanics *prometheus.CounterVec

	// Reported stats
	Uptime  prometheus.Gauge
	Pending prometheus.Gauge
	Peers   prometheus.Gauge
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics returns the singleton Metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics()
	})
	return metrics
}

// NewMetrics registers the agent metrics on the default registry.
// Use GetMetrics; calling this twice panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		HeadsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_heads_received_total",
			Help: "Total number of chain head notifications received",
		}),
		HeadsCoalesced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_heads_coalesced_total",
			Help: "Head notifications deferred to the trailing debounce",
		}),
		HeadsForced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_heads_forced_total",
			Help: "Head notifications admitted by the 5s liveness rule",
		}),
		HeadRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_head_notifications_per_second",
			Help: "Head notification rate over a 5s sliding window",
		}),

		FetchJobsQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_fetch_jobs_queued_total",
			Help: "Total number of jobs pushed to the fetch queue",
		}),
		FetchJobsComplete: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_fetch_jobs_completed_total",
			Help: "Total number of fetch queue jobs completed",
		}),
		FetchJobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_fetch_jobs_failed_total",
			Help: "Total number of block lookups that failed",
		}),
		FetchTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "netstats_fetch_duration_seconds",
			Help:    "Time taken by a single fetch queue job",
			Buckets: prometheus.DefBuckets,
		}),
		FetchQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_fetch_queue_depth",
			Help: "Jobs waiting in the fetch queue",
		}),

		BlocksDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_blocks_dispatched_total",
			Help: "Block updates sent to the collector",
		}),
		BlocksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netstats_blocks_rejected_total",
			Help: "Candidate blocks discarded, by reason",
		}, []string{"reason"}),
		CurrentBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_current_block",
			Help: "Number of the last accepted block",
		}),

		HistoryBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_history_batches_total",
			Help: "History batches emitted",
		}),
		HistoryBatchFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_history_batches_failed_total",
			Help: "History batches aborted on fetch error",
		}),
		HistoryBlocksFilled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_history_blocks_total",
			Help: "Blocks included in emitted history batches",
		}),

		SinkEmits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netstats_sink_emits_total",
			Help: "Events sent to the collector, by event",
		}, []string{"event"}),
		SinkDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netstats_sink_dropped_total",
			Help: "Events dropped because the sink was not connected or the write failed",
		}, []string{"event"}),
		SinkState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_sink_state",
			Help: "Sink connection state (0=disconnected 1=connecting 2=connected 3=offline 4=reconnecting)",
		}),
		Latency: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_sink_latency_ms",
			Help: "Last measured collector round-trip estimate",
		}),

		SourceAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netstats_source_connect_attempts_total",
			Help: "Failed RPC source connection attempts",
		}),
		SourceState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_source_state",
			Help: "RPC source state (0=disconnected 1=connecting 2=connected 3=failed)",
		}),
		RPCRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netstats_rpc_requests_total",
			Help: "RPC requests by method",
		}, []string{"method"}),
		RPCFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netstats_rpc_requests_failed_total",
			Help: "Failed RPC requests by method",
		}, []string{"method"}),

		HandlerPanics: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netstats_handler_panics_total",
			Help: "Panics recovered at handler boundaries",
		}, []string{"handler"}),

		Uptime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_uptime_percent",
			Help: "Reported node uptime percentage",
		}),
		Pending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_pending_transactions",
			Help: "Reported pending transaction count",
		}),
		Peers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netstats_peers",
			Help: "Reported peer count",
		}),
	}
}
