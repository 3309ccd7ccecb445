package engine

import (
	"log/slog"
	"os"
	"time"
)

// Logger 全局结构化日志器
var Logger = slog.Default()

// InitLogger 初始化结构化日志
func InitLogger(level, format string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	// 输出格式：json（默认）或 text
	if format == "text" {
		Logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	} else {
		Logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	slog.SetDefault(Logger)
}

// LogBlockDispatched 记录区块上报日志
func LogBlockDispatched(number uint64, hash string, txs int) {
	Logger.Info("block_dispatched",
		slog.Uint64("block_number", number),
		slog.String("block_hash", hash),
		slog.Int("transactions", txs),
	)
}

// LogBadBlock 记录被丢弃的无效区块
func LogBadBlock(ref string, err error) {
	Logger.Warn("bad_block_discarded",
		slog.String("ref", ref),
		slog.String("error", err.Error()),
	)
}

// LogSourceRetry 记录 RPC 源重连
func LogSourceRetry(attempt int, delay time.Duration) {
	Logger.Warn("source_connect_failed",
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", delay),
	)
}

// LogSinkStateChange 记录采集端连接状态变化
func LogSinkStateChange(from, to SinkState, reason string) {
	Logger.Info("sink_state_transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
	)
}

// LogHistoryBatch 记录历史批次
func LogHistoryBatch(from, to uint64, count int, duration time.Duration) {
	Logger.Info("history_batch_emitted",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("blocks", count),
		slog.Duration("duration", duration),
	)
}

// LogEmitError 记录发送失败
func LogEmitError(event string, err error) {
	Logger.Error("sink_emit_error",
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
}
