package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := GetMetrics()
	assert.NotNil(t, m)
	assert.Same(t, m, GetMetrics())

	// Record various metrics to ensure no panics and some coverage
	m.RecordHead(AdmitImmediate)
	m.RecordHead(AdmitCoalesce)
	m.RecordHead(AdmitForced)
	m.RecordFetchJobQueued(3)
	m.RecordFetchJobCompleted(50*time.Millisecond, 2)
	m.RecordFetchJobFailed()
	m.RecordBlockDispatched(123456)
	m.RecordBlockRejected("stale")
	m.RecordHistoryBatch(4, nil)
	m.RecordHistoryBatch(0, errors.New("timeout"))
	m.RecordEmit("stats", true)
	m.RecordEmit("stats", false)
	m.RecordRPC("eth_blockNumber", nil)
	m.RecordRPC("eth_blockNumber", errors.New("refused"))
	m.UpdateReportedStats(99.5, 7, 12)
	m.RecordPanic("metrics_test")

	assert.Equal(t, float64(123456), testutil.ToFloat64(m.CurrentBlock))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.FetchQueueDepth))
	assert.Equal(t, 99.5, testutil.ToFloat64(m.Uptime))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.Peers))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.Pending))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.HandlerPanics.WithLabelValues("metrics_test")), float64(1))
}

func TestMetrics_RPCFailuresCountedSeparately(t *testing.T) {
	m := GetMetrics()
	method := "metrics_test_method"

	m.RecordRPC(method, nil)
	m.RecordRPC(method, errors.New("boom"))
	m.RecordRPC(method, nil)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.RPCRequests.WithLabelValues(method)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCFailures.WithLabelValues(method)))
}
