package engine

import (
	"time"
)

// RecordHead records a raw head notification and the admission outcome
func (m *Metrics) RecordHead(admission Admission) {
	m.HeadsReceived.Inc()
	switch admission {
	case AdmitCoalesce:
		m.HeadsCoalesced.Inc()
	case AdmitForced:
		m.HeadsForced.Inc()
	}
}

// RecordFetchJobQueued records a queued job and the new queue depth
func (m *Metrics) RecordFetchJobQueued(depth int) {
	m.FetchJobsQueued.Inc()
	m.FetchQueueDepth.Set(float64(depth))
}

// RecordFetchJobCompleted records a finished job
func (m *Metrics) RecordFetchJobCompleted(duration time.Duration, depth int) {
	m.FetchJobsComplete.Inc()
	m.FetchTime.Observe(duration.Seconds())
	m.FetchQueueDepth.Set(float64(depth))
}

// RecordFetchJobFailed records a failed lookup
func (m *Metrics) RecordFetchJobFailed() {
	m.FetchJobsFailed.Inc()
}

// RecordBlockDispatched records an accepted block
func (m *Metrics) RecordBlockDispatched(number uint64) {
	m.BlocksDispatched.Inc()
	m.CurrentBlock.Set(float64(number))
}

// RecordBlockRejected records a discarded candidate
func (m *Metrics) RecordBlockRejected(reason string) {
	m.BlocksRejected.WithLabelValues(reason).Inc()
}

// RecordHistoryBatch records a history batch outcome
func (m *Metrics) RecordHistoryBatch(blocks int, err error) {
	if err != nil {
		m.HistoryBatchFailed.Inc()
		return
	}
	m.HistoryBatches.Inc()
	m.HistoryBlocksFilled.Add(float64(blocks))
}

// RecordEmit records an emission attempt
func (m *Metrics) RecordEmit(event string, sent bool) {
	if sent {
		m.SinkEmits.WithLabelValues(event).Inc()
		return
	}
	m.SinkDropped.WithLabelValues(event).Inc()
}

// RecordRPC records a single RPC call
func (m *Metrics) RecordRPC(method string, err error) {
	m.RPCRequests.WithLabelValues(method).Inc()
	if err != nil {
		m.RPCFailures.WithLabelValues(method).Inc()
	}
}

// UpdateReportedStats mirrors the last dispatched stats into gauges
func (m *Metrics) UpdateReportedStats(uptime float64, peers, pending int) {
	m.Uptime.Set(uptime)
	m.Peers.Set(float64(peers))
	m.Pending.Set(float64(pending))
}

// RecordPanic records a recovered panic
func (m *Metrics) RecordPanic(handler string) {
	m.HandlerPanics.WithLabelValues(handler).Inc()
}
