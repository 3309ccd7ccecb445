package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"netstats-agent/internal/models"
)

const (
	MaxBlocksHistory   = 60   // 缺口回填最多覆盖的区块数
	DefaultHistorySize = 5000 // 按需历史请求的默认深度
)

// BlockFetcher 能按引用取回原始区块
type BlockFetcher interface {
	Block(ctx context.Context, ref BlockRef) (*models.RawBlock, error)
}

// MissingRange returns the numbers in [max(n-window, last+1), n), ascending.
// Empty when there is no gap.
func MissingRange(n, last, window uint64) []uint64 {
	if n <= last+1 {
		return nil
	}
	from := last + 1
	if n > window && n-window > from {
		from = n - window
	}
	out := make([]uint64, 0, n-from)
	for i := from; i < n; i++ {
		out = append(out, i)
	}
	return out
}

// DefaultHistoryList 从 n-1 向下到 n-size（不含），不低于 0
func DefaultHistoryList(n uint64, size uint64) []uint64 {
	if n == 0 || size < 2 {
		return nil
	}
	lowest := uint64(0)
	if n > size {
		lowest = n - size + 1
	}
	out := make([]uint64, 0, n-lowest)
	for i := n - 1; ; i-- {
		out = append(out, i)
		if i == lowest {
			break
		}
	}
	return out
}

// HistoryBackfiller 按顺序取回一批区块并整体上报
type HistoryBackfiller struct {
	id      string
	source  BlockFetcher
	sink    Emitter
	metrics *Metrics
}

func NewHistoryBackfiller(id string, source BlockFetcher, sink Emitter) *HistoryBackfiller {
	return &HistoryBackfiller{
		id:      id,
		source:  source,
		sink:    sink,
		metrics: GetMetrics(),
	}
}

// Fetch 按请求顺序逐个查询；任一失败则整批放弃
func (h *HistoryBackfiller) Fetch(ctx context.Context, numbers []uint64) ([]models.Block, error) {
	blocks := make([]models.Block, 0, len(numbers))
	for _, n := range numbers {
		raw, err := h.source.Block(ctx, BlockAt(n))
		if err != nil {
			return nil, fmt.Errorf("history block %d: %w", n, err)
		}
		b, err := models.FormatBlock(raw)
		if err != nil {
			LogBadBlock(BlockAt(n).String(), err)
			h.metrics.RecordBlockRejected("invalid")
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Run fetches numbers and emits them newest-first as a single history event.
func (h *HistoryBackfiller) Run(ctx context.Context, numbers []uint64) error {
	if len(numbers) == 0 {
		return nil
	}
	start := time.Now()

	blocks, err := h.Fetch(ctx, numbers)
	h.metrics.RecordHistoryBatch(len(blocks), err)
	if err != nil {
		Logger.Error("history_fetch_failed",
			slog.Uint64("from", numbers[0]),
			slog.Uint64("to", numbers[len(numbers)-1]),
			slog.String("error", err.Error()),
		)
		return err
	}

	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}

	LogHistoryBatch(numbers[0], numbers[len(numbers)-1], len(blocks), time.Since(start))
	h.sink.Emit(models.EventHistory, models.HistoryPayload{ID: h.id, History: blocks})
	return nil
}
