package engine

import (
	"encoding/json"
	"testing"
	"time"

	"netstats-agent/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsDispatcher_Changed(t *testing.T) {
	d := NewStatsDispatcher("node1", &recordingEmitter{})

	assert.False(t, d.Changed())
	assert.False(t, d.Changed(), "no mutation between calls")

	d.ApplyTelemetry(&Telemetry{Peers: 3, GasPrice: "1000000000"})
	assert.True(t, d.Changed())

	require.True(t, d.SendStatsUpdate(false))
	assert.False(t, d.Changed())
	assert.False(t, d.SendStatsUpdate(false), "unchanged stats are not re-sent")
	assert.True(t, d.SendStatsUpdate(true), "forced always sends")
}

func TestStatsDispatcher_Uptime(t *testing.T) {
	d := NewStatsDispatcher("node1", &recordingEmitter{})
	d.SetUptime()
	assert.Equal(t, float64(0), d.Snapshot().Uptime)

	for i := 0; i < 10; i++ {
		d.RecordAttempt()
	}
	d.failures = 2
	d.SetUptime()
	assert.Equal(t, float64(80), d.Snapshot().Uptime)
}

func TestStatsDispatcher_PrepareStatsRoundTrip(t *testing.T) {
	sink := &recordingEmitter{}
	d := NewStatsDispatcher("node1", sink)
	d.ApplyTelemetry(&Telemetry{
		Peers:    7,
		Mining:   true,
		Hashrate: 12.5,
		GasPrice: "500",
		Syncing:  models.NewSyncProgress(0, 50, 100),
	})

	prepared := d.PrepareStats()
	raw, err := json.Marshal(prepared)
	require.NoError(t, err)

	var decoded models.StatsPayload
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, models.EqualJSON(prepared, decoded))
	assert.True(t, models.EqualJSON(raw, prepared))
	assert.Equal(t, 0.5, decoded.Stats.Syncing.Progress.Progress)

	// 与来源快照一致，发送后不再视为变化
	assert.True(t, models.EqualJSON(prepared.Stats, models.NodeStatsOf(d.Snapshot())))
	require.True(t, d.SendStatsUpdate(false))
	assert.False(t, d.Changed())
	sent := sink.named(models.EventStats)
	require.Len(t, sent, 1)
	assert.True(t, models.EqualJSON(prepared, sent[0]))
}

func TestStatsDispatcher_SetInactive(t *testing.T) {
	sink := &recordingEmitter{}
	d := NewStatsDispatcher("node1", sink)
	inactive := 0
	d.OnInactive(func() { inactive++ })

	d.RecordAttempt()
	d.RecordAttempt()
	d.ApplyTelemetry(&Telemetry{Peers: 5, Mining: true, Hashrate: 3, GasPrice: "1"})
	require.True(t, d.SendStatsUpdate(false))

	d.SetInactive()

	s := d.Snapshot()
	assert.False(t, s.Active)
	assert.Zero(t, s.Peers)
	assert.False(t, s.Mining)
	assert.Zero(t, s.Hashrate)
	assert.Equal(t, float64(50), s.Uptime)
	assert.Equal(t, 1, inactive)

	sent := sink.named(models.EventStats)
	require.Len(t, sent, 2)
	last := sent[1].(models.StatsPayload)
	assert.False(t, last.Stats.Active)
}

func TestStatsDispatcher_BlockAndPending(t *testing.T) {
	sink := &recordingEmitter{}
	d := NewStatsDispatcher("node1", sink)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	_, seen := d.Block()
	assert.False(t, seen)

	d.SetBlock(mustFormat(t, rawBlock(42)))
	d.SendBlockUpdate()
	assert.Equal(t, now, d.LastBlockSentAt())
	assert.Equal(t, uint64(42), sink.named(models.EventBlock)[0].(models.BlockPayload).Block.Number)

	assert.False(t, d.SetPending(0))
	assert.True(t, d.SetPending(4))
	assert.False(t, d.SetPending(4))
	d.SendPendingUpdate()
	assert.Equal(t, 4, sink.named(models.EventPending)[0].(models.PendingPayload).Stats.Pending)
}
