package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	pendingTrailingDelay = 5 * time.Millisecond
	pendingFastPath      = 50 * time.Millisecond
)

type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// PendingWatcher 对 pending 信号做轻量防抖，只在数量变化时上报
type PendingWatcher struct {
	mu         sync.Mutex
	lastSignal time.Time
	trailing   *time.Timer

	source PendingCounter
	stats  *StatsDispatcher
	now    func() time.Time
}

func NewPendingWatcher(source PendingCounter, stats *StatsDispatcher) *PendingWatcher {
	return &PendingWatcher{
		source: source,
		stats:  stats,
		now:    time.Now,
	}
}

// Notify handles one pending-transaction signal.
func (w *PendingWatcher) Notify(ctx context.Context) {
	now := w.now()

	w.mu.Lock()
	elapsed := now.Sub(w.lastSignal)
	w.lastSignal = now
	if elapsed > pendingFastPath {
		w.mu.Unlock()
		w.Refresh(ctx)
		return
	}
	if w.trailing != nil {
		w.trailing.Stop()
	}
	w.trailing = time.AfterFunc(pendingTrailingDelay, func() {
		w.mu.Lock()
		w.trailing = nil
		w.mu.Unlock()
		w.Refresh(ctx)
	})
	w.mu.Unlock()
}

// Refresh queries the pending count and dispatches it when it changed.
func (w *PendingWatcher) Refresh(ctx context.Context) {
	w.refresh(ctx, false)
}

// Push 查询并无条件上报（连接建立后的首次推送）
func (w *PendingWatcher) Push(ctx context.Context) {
	w.refresh(ctx, true)
}

func (w *PendingWatcher) refresh(ctx context.Context, force bool) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := w.source.PendingCount(ctx)
	if err != nil {
		Logger.Warn("pending_fetch_failed", slog.String("error", err.Error()))
		return
	}
	Logger.Debug("pending_fetched", slog.Int("pending", n), slog.Duration("took", time.Since(start)))

	if w.stats.SetPending(n) || force {
		w.stats.SendPendingUpdate()
	}
}

func (w *PendingWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.trailing != nil {
		w.trailing.Stop()
		w.trailing = nil
	}
}
