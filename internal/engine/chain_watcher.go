package engine

import (
	"log/slog"
	"sync"
	"time"

	"netstats-agent/internal/monitor"
)

const headTrailingDelay = 120 * time.Millisecond

// BlockClock 记录最近一次区块上报时间（StatsDispatcher 实现）
type BlockClock interface {
	LastBlockSentAt() time.Time
	MarkBlockSent(t time.Time)
}

// ChainHeadWatcher 接收 head 通知，经自适应防抖后把查询任务交给 FetchQueue
type ChainHeadWatcher struct {
	mu       sync.Mutex
	state    DebounceState
	latest   BlockRef
	trailing *time.Timer
	delay    time.Duration

	enqueue func(BlockRef)
	clock   BlockClock
	now     func() time.Time
	rate    *monitor.RateWindow
	metrics *Metrics
}

func NewChainHeadWatcher(enqueue func(BlockRef), clock BlockClock) *ChainHeadWatcher {
	return &ChainHeadWatcher{
		state:   NewDebounceState(),
		delay:   headTrailingDelay,
		enqueue: enqueue,
		clock:   clock,
		now:     time.Now,
		rate:    monitor.NewRateWindow(),
		metrics: GetMetrics(),
	}
}

// Notify handles one raw head notification.
func (w *ChainHeadWatcher) Notify(ref BlockRef) {
	now := w.now()

	w.mu.Lock()
	next, admission := w.state.Observe(now, w.clock.LastBlockSentAt())
	w.state = next
	if admission == AdmitCoalesce {
		w.latest = ref
		if w.trailing != nil {
			w.trailing.Stop()
		}
		w.trailing = time.AfterFunc(w.delay, w.flush)
	} else if w.trailing != nil {
		w.trailing.Stop()
		w.trailing = nil
	}
	w.mu.Unlock()

	w.rate.Record(1)
	w.metrics.RecordHead(admission)
	w.metrics.HeadRate.Set(w.rate.PerSecond())

	Logger.Debug("chain_head_notified",
		slog.String("ref", ref.String()),
		slog.String("admission", admission.String()),
		slog.Int("debounce_counter", next.Counter),
	)

	if admission == AdmitForced {
		w.clock.MarkBlockSent(now)
	}
	if admission != AdmitCoalesce {
		w.enqueue(ref)
	}
}

// flush 尾随防抖到期：入队最后一个被合并的 head
func (w *ChainHeadWatcher) flush() {
	w.mu.Lock()
	ref := w.latest
	w.trailing = nil
	w.mu.Unlock()

	Logger.Debug("chain_head_debounced", slog.String("ref", ref.String()))
	w.enqueue(ref)
}

// State 返回当前防抖状态的副本
func (w *ChainHeadWatcher) State() DebounceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stop 取消尚未触发的尾随定时器
func (w *ChainHeadWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trailing != nil {
		w.trailing.Stop()
		w.trailing = nil
	}
}
