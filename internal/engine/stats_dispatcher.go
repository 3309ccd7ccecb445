package engine

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"netstats-agent/internal/models"
)

// Emitter 发往采集端的出口（SinkConnection 实现）
type Emitter interface {
	Emit(event string, payload interface{})
}

// StatsDispatcher 持有唯一的 Stats 快照，并决定何时值得上报
type StatsDispatcher struct {
	mu       sync.Mutex
	id       string
	stats    models.Stats
	lastSent []byte // 最近一次上报时 Stats 的 JSON

	attempts int
	failures int

	lastBlock       uint64 // 已观察到的最高区块号
	lastBlockSentAt time.Time
	lastPending     int

	sink       Emitter
	onInactive func()
	now        func() time.Time
	metrics    *Metrics
}

func NewStatsDispatcher(id string, sink Emitter) *StatsDispatcher {
	d := &StatsDispatcher{
		id:      id,
		stats:   models.NewStats(),
		sink:    sink,
		now:     time.Now,
		metrics: GetMetrics(),
	}
	d.lastSent, _ = json.Marshal(d.stats)
	return d
}

// OnInactive 设置节点被判定不可达后的回调（触发 source 重连）
func (d *StatsDispatcher) OnInactive(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onInactive = fn
}

func (d *StatsDispatcher) ID() string { return d.id }

// Snapshot returns a copy of the current stats.
func (d *StatsDispatcher) Snapshot() models.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Changed reports whether the stats differ from the last dispatched snapshot.
func (d *StatsDispatcher) Changed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.changedLocked()
}

func (d *StatsDispatcher) changedLocked() bool {
	return !models.EqualJSON(d.lastSent, d.stats)
}

func (d *StatsDispatcher) PrepareStats() models.StatsPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.StatsPayload{ID: d.id, Stats: models.NodeStatsOf(d.stats)}
}

func (d *StatsDispatcher) PrepareBlock() models.BlockPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.BlockPayload{ID: d.id, Block: d.stats.Block}
}

func (d *StatsDispatcher) PreparePending() models.PendingPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.PendingPayload{ID: d.id, Stats: models.PendingStats{Pending: d.stats.Pending}}
}

// SendStatsUpdate 仅在有变化或 force 时上报，并更新快照
func (d *StatsDispatcher) SendStatsUpdate(force bool) bool {
	d.mu.Lock()
	if !force && !d.changedLocked() {
		d.mu.Unlock()
		return false
	}
	snapshot, err := json.Marshal(d.stats)
	if err == nil {
		d.lastSent = snapshot
	}
	payload := models.StatsPayload{ID: d.id, Stats: models.NodeStatsOf(d.stats)}
	uptime, peers, pending := d.stats.Uptime, d.stats.Peers, d.stats.Pending
	d.mu.Unlock()

	Logger.Debug("stats_update_sent", slog.Bool("forced", force))
	d.metrics.UpdateReportedStats(uptime, peers, pending)
	d.sink.Emit(models.EventStats, payload)
	return true
}

// SendBlockUpdate 上报当前区块并记录上报时间
func (d *StatsDispatcher) SendBlockUpdate() {
	d.mu.Lock()
	d.lastBlockSentAt = d.now()
	payload := models.BlockPayload{ID: d.id, Block: d.stats.Block}
	d.mu.Unlock()

	d.sink.Emit(models.EventBlock, payload)
}

func (d *StatsDispatcher) SendPendingUpdate() {
	d.sink.Emit(models.EventPending, d.PreparePending())
}

// RecordAttempt 每次轮询计一次尝试
func (d *StatsDispatcher) RecordAttempt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
}

// SetUptime recomputes uptime = (attempts - failures) / attempts * 100.
func (d *StatsDispatcher) SetUptime() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setUptimeLocked()
}

func (d *StatsDispatcher) setUptimeLocked() {
	if d.attempts == 0 {
		d.stats.Uptime = 0
		return
	}
	d.stats.Uptime = float64(d.attempts-d.failures) / float64(d.attempts) * 100
}

// SetInactive 节点不可达：清零状态、强制上报并触发 source 重连
func (d *StatsDispatcher) SetInactive() {
	d.mu.Lock()
	d.stats.Active = false
	d.stats.Peers = 0
	d.stats.Mining = false
	d.stats.Hashrate = 0
	d.failures++
	d.setUptimeLocked()
	onInactive := d.onInactive
	d.mu.Unlock()

	Logger.Warn("node_inactive", slog.Float64("uptime", d.Snapshot().Uptime))
	d.SendStatsUpdate(true)

	if onInactive != nil {
		onInactive()
	}
}

// ApplyTelemetry 写入一次成功轮询的结果
func (d *StatsDispatcher) ApplyTelemetry(t *Telemetry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Active = true
	d.stats.Peers = t.Peers
	d.stats.Mining = t.Mining
	d.stats.Hashrate = t.Hashrate
	d.stats.GasPrice = t.GasPrice
	d.stats.Syncing = models.SyncStatus{Progress: t.Syncing}
	d.setUptimeLocked()
}

// SetHashrate 覆盖 hashrate（元数据中的投票数替代值）
func (d *StatsDispatcher) SetHashrate(h float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Hashrate = h
}

// SetPending stores the pending count and reports whether it changed.
func (d *StatsDispatcher) SetPending(n int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Pending = n
	changed := d.lastPending != n
	d.lastPending = n
	return changed
}

// Block 返回当前区块，以及是否已经观察到真实区块
func (d *StatsDispatcher) Block() (models.Block, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Block, d.stats.Block.Hash != "?"
}

// SetBlock stores b and returns the previous highest observed number.
func (d *StatsDispatcher) SetBlock(b models.Block) (lastKnown uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Block = b
	d.metrics.RecordBlockDispatched(b.Number)
	return d.lastBlock
}

// AdvanceLastBlock 只前进不后退
func (d *StatsDispatcher) AdvanceLastBlock(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.lastBlock {
		d.lastBlock = n
	}
}

func (d *StatsDispatcher) LastBlockSentAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastBlockSentAt
}

func (d *StatsDispatcher) MarkBlockSent(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastBlockSentAt = t
}
