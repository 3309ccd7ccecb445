package engine

import (
	"context"
	"log/slog"

	"netstats-agent/internal/models"
)

// BlockHandler 处理 FetchQueue 上取回的区块：校验、去重、上报、缺口回填
type BlockHandler struct {
	source  BlockFetcher
	stats   *StatsDispatcher
	queue   *FetchQueue
	history *HistoryBackfiller
	metrics *Metrics
}

func NewBlockHandler(source BlockFetcher, stats *StatsDispatcher, queue *FetchQueue, history *HistoryBackfiller) *BlockHandler {
	return &BlockHandler{
		source:  source,
		stats:   stats,
		queue:   queue,
		history: history,
		metrics: GetMetrics(),
	}
}

// Task 返回一个查询 ref 并交给 Observe 的队列任务
func (h *BlockHandler) Task(ref BlockRef) FetchTask {
	return func(ctx context.Context) {
		raw, err := h.source.Block(ctx, ref)
		if err != nil {
			h.metrics.RecordFetchJobFailed()
			Logger.Error("block_fetch_failed",
				slog.String("ref", ref.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		h.Observe(ctx, ref, raw)
	}
}

// Observe is the shared "new block observed" path. It must run on the
// queue worker. Returns true when the block was accepted and dispatched.
func (h *BlockHandler) Observe(ctx context.Context, ref BlockRef, raw *models.RawBlock) bool {
	block, err := models.FormatBlock(raw)
	if err != nil {
		LogBadBlock(ref.String(), err)
		h.metrics.RecordBlockRejected("invalid")
		return false
	}

	current, seen := h.stats.Block()
	if seen {
		switch {
		case block.Number == current.Number:
			if models.EqualJSON(current, block) {
				Logger.Debug("same_block_ignored", slog.Uint64("block_number", block.Number))
				h.metrics.RecordBlockRejected("duplicate")
				return false
			}
			Logger.Warn("block_changed",
				slog.Uint64("block_number", block.Number),
				slog.String("old_hash", current.Hash),
				slog.String("new_hash", block.Hash),
			)
		case block.Number < current.Number:
			Logger.Debug("stale_block_ignored",
				slog.Uint64("block_number", block.Number),
				slog.Uint64("current", current.Number),
			)
			h.metrics.RecordBlockRejected("stale")
			return false
		}
	}

	lastKnown := h.stats.SetBlock(block)
	h.stats.SendBlockUpdate()
	LogBlockDispatched(block.Number, block.Hash, len(block.Transactions))

	if gap := MissingRange(block.Number, lastKnown, MaxBlocksHistory); len(gap) > 0 {
		if h.queue.Backlog() == 0 {
			_ = h.history.Run(ctx, gap)
		} else {
			Logger.Debug("history_gap_deferred",
				slog.Uint64("from", gap[0]),
				slog.Int("missing", len(gap)),
				slog.Int("backlog", h.queue.Backlog()),
			)
		}
	}

	h.stats.AdvanceLastBlock(block.Number)
	return true
}
