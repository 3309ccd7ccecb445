package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SourceState RPC 源连接状态
type SourceState int32

const (
	SourceDisconnected SourceState = iota
	SourceConnecting
	SourceConnected
	SourceFailed // 重试次数耗尽，不再尝试
)

func (s SourceState) String() string {
	switch s {
	case SourceDisconnected:
		return "disconnected"
	case SourceConnecting:
		return "connecting"
	case SourceConnected:
		return "connected"
	case SourceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Scheduler 延迟执行 f，返回取消函数（默认 time.AfterFunc）
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type SourceOptions struct {
	BaseDelay   time.Duration // 线性退避：BaseDelay * attempt
	MaxAttempts int
	Schedule    Scheduler
}

// SourceConnection 管理 RPC 源的生命周期：探测、线性退避重试、拆除后重连
type SourceConnection struct {
	mu        sync.Mutex
	state     SourceState
	attempts  int
	stopRetry func() bool
	ctx       context.Context

	source      Source
	opts        SourceOptions
	onConnected func(ctx context.Context)
	onTeardown  func()
	metrics     *Metrics
}

func NewSourceConnection(source Source, opts SourceOptions) *SourceConnection {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 500000
	}
	if opts.Schedule == nil {
		opts.Schedule = afterFunc
	}
	return &SourceConnection{
		source:  source,
		opts:    opts,
		metrics: GetMetrics(),
	}
}

// OnConnected 每个连接周期恰好调用一次
func (c *SourceConnection) OnConnected(fn func(ctx context.Context)) { c.onConnected = fn }

// OnTeardown 在重连前拆除 watch、定时器等派生资源
func (c *SourceConnection) OnTeardown(fn func()) { c.onTeardown = fn }

func (c *SourceConnection) State() SourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SourceConnection) IsConnected() bool {
	return c.State() == SourceConnected
}

func (c *SourceConnection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts a connection episode. It is a no-op while one is already
// connected, in progress or waiting on a retry timer.
func (c *SourceConnection) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.state == SourceConnected || c.state == SourceConnecting || c.stopRetry != nil {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.mu.Unlock()

	c.attempt()
}

func (c *SourceConnection) attempt() {
	c.mu.Lock()
	ctx := c.ctx
	c.stopRetry = nil
	if ctx == nil || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(SourceConnecting)
	c.mu.Unlock()

	if c.source.IsConnected(ctx) {
		c.mu.Lock()
		c.setStateLocked(SourceConnected)
		c.attempts = 0
		onConnected := c.onConnected
		c.mu.Unlock()

		Logger.Info("source_connected")
		if onConnected != nil {
			onConnected(ctx)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	c.metrics.SourceAttempts.Inc()
	if c.attempts >= c.opts.MaxAttempts {
		c.setStateLocked(SourceFailed)
		Logger.Error("source_connect_aborted", slog.Int("attempts", c.attempts))
		return
	}
	c.setStateLocked(SourceDisconnected)

	delay := c.opts.BaseDelay * time.Duration(c.attempts)
	LogSourceRetry(c.attempts, delay)
	c.stopRetry = c.opts.Schedule(delay, c.attempt)
}

// Disconnect tears down source-derived resources, resets the client and
// starts a fresh connection episode. Only a connected episode can be torn
// down; calls that arrive while a reconnect is already underway are no-ops.
func (c *SourceConnection) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state != SourceConnected {
		state := c.state
		c.mu.Unlock()
		Logger.Debug("source_teardown_skipped", slog.String("state", state.String()))
		return
	}
	// 拆除期间保持 Connecting，其他 Connect 不会并发开启新周期
	c.cancelRetryLocked()
	c.attempts = 0
	c.ctx = ctx
	c.setStateLocked(SourceConnecting)
	c.mu.Unlock()

	Logger.Warn("source_teardown")
	if c.onTeardown != nil {
		c.onTeardown()
	}
	c.source.Reset()
	c.attempt()
}

// Stop 取消重试并释放底层连接，不等待进行中的探测
func (c *SourceConnection) Stop() {
	c.mu.Lock()
	c.cancelRetryLocked()
	c.ctx = nil
	c.setStateLocked(SourceDisconnected)
	c.mu.Unlock()

	c.source.Reset()
}

func (c *SourceConnection) cancelRetryLocked() {
	if c.stopRetry != nil {
		c.stopRetry()
		c.stopRetry = nil
	}
}

func (c *SourceConnection) setStateLocked(s SourceState) {
	c.state = s
	c.metrics.SourceState.Set(float64(s))
}
