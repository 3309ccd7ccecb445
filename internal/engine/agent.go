package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"netstats-agent/internal/models"
	"netstats-agent/internal/recovery"
)

const (
	defaultP2PPort = 30303
	pollJitter     = 250 * time.Millisecond
)

// AgentConfig Agent 的运行参数（由 config.Config 映射而来）
type AgentConfig struct {
	Name    string
	Contact string
	Secret  string
	Version string

	UpdateInterval time.Duration
	PingInterval   time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
}

// Agent 组合根：连接各组件，持有轮询和 ping 定时器
type Agent struct {
	cfg AgentConfig
	id  string

	source   Source
	metadata *MetadataClient

	Conn    *SourceConnection
	Sink    *SinkConnection
	Stats   *StatsDispatcher
	Queue   *FetchQueue
	Heads   *ChainHeadWatcher
	Pending *PendingWatcher
	History *HistoryBackfiller
	Blocks  *BlockHandler

	episodeMu sync.Mutex // init 与 teardown 串行执行

	mu            sync.Mutex
	info          models.NodeInfo
	watches       []Watch
	episodeCancel context.CancelFunc
	lastPoll      time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	fatal    chan error
}

// NewAgent wires the components. metadata may be nil.
func NewAgent(cfg AgentConfig, source Source, t Transport, metadata *MetadataClient) *Agent {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	a := &Agent{
		cfg:      cfg,
		id:       models.NodeID(cfg.Name),
		source:   source,
		metadata: metadata,
		fatal:    make(chan error, 1),
		info: models.NodeInfo{
			Name:             cfg.Name,
			Contact:          cfg.Contact,
			Port:             defaultP2PPort,
			OS:               runtime.GOOS,
			OSVer:            runtime.GOARCH,
			Client:           cfg.Version,
			CanUpdateHistory: true,
		},
	}

	a.Sink = NewSinkConnection(a.id, t, SinkHooks{
		Hello:   a.hello,
		OnOpen:  a.onSinkOpen,
		OnReady: a.onSinkReady,
		History: a.onHistoryRequest,
		Fatal:   a.onFatal,
	})
	a.Stats = NewStatsDispatcher(a.id, a.Sink)
	a.Queue = NewFetchQueue(defaultFetchQueueSize)
	a.History = NewHistoryBackfiller(a.id, source, a.Sink)
	a.Blocks = NewBlockHandler(source, a.Stats, a.Queue, a.History)
	a.Heads = NewChainHeadWatcher(a.enqueueBlock, a.Stats)
	a.Pending = NewPendingWatcher(source, a.Stats)

	a.Conn = NewSourceConnection(source, SourceOptions{
		BaseDelay:   cfg.RetryDelay,
		MaxAttempts: cfg.MaxAttempts,
	})
	a.Conn.OnConnected(a.init)
	a.Conn.OnTeardown(a.teardown)

	a.Queue.OnDrain(func(ctx context.Context) {
		a.Pending.Refresh(ctx)
	})
	a.Stats.OnInactive(func() {
		a.Conn.Disconnect(a.rootContext())
	})
	return a
}

func (a *Agent) ID() string { return a.id }

// Info 返回 NodeInfo 副本
func (a *Agent) Info() models.NodeInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Fatal 采集端重连耗尽时收到错误，进程应退出
func (a *Agent) Fatal() <-chan error {
	return a.fatal
}

// Start 启动队列、采集端连接、ping 定时器，并开始连接 RPC 源
func (a *Agent) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	Logger.Info("agent_starting",
		slog.String("id", a.id),
		slog.Duration("update_interval", a.cfg.UpdateInterval),
		slog.Duration("ping_interval", a.cfg.PingInterval),
	)

	a.Queue.Start(a.ctx, &a.wg)
	a.Sink.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.every(a.ctx, a.cfg.PingInterval, "ping", a.Sink.Ping)
	}()

	recovery.WithRecovery(func() { a.Conn.Connect(a.ctx) }, "source_connect")
}

// Stop tears down timers, ends the sink gracefully and resets the source
// without waiting for an in-flight retry.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		Logger.Info("agent_stopping")
		a.teardown()
		if a.cancel != nil {
			a.cancel()
		}
		a.Queue.Stop()
		a.Sink.Stop()
		a.Conn.Stop()
		a.wg.Wait()
	})
}

func (a *Agent) rootContext() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// init 每个 RPC 连接周期执行一次：刷新节点信息、安装 watch、启动轮询
func (a *Agent) init(ctx context.Context) {
	a.episodeMu.Lock()
	defer a.episodeMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	a.refreshNodeDetails(ctx)

	episode, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.episodeCancel = cancel
	a.mu.Unlock()

	a.installWatches(episode)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.every(episode, a.cfg.UpdateInterval, "stats_poll", func() { a.Poll(episode, false) })
	}()

	a.enqueueBlock(LatestBlock())
}

func (a *Agent) installWatches(ctx context.Context) {
	var watches []Watch

	heads, err := a.source.WatchHeads(ctx, a.Heads.Notify)
	if err != nil {
		Logger.Error("chain_filter_failed", slog.String("error", err.Error()))
	} else {
		watches = append(watches, heads)
		Logger.Info("chain_filter_installed")
	}

	pending, err := a.source.WatchPending(ctx, func() { a.Pending.Notify(ctx) })
	if err != nil {
		Logger.Error("pending_filter_failed", slog.String("error", err.Error()))
	} else {
		watches = append(watches, pending)
		Logger.Info("pending_filter_installed")
	}

	a.mu.Lock()
	a.watches = watches
	a.mu.Unlock()
}

// teardown 卸载 watch 并停止本周期的轮询
func (a *Agent) teardown() {
	a.episodeMu.Lock()
	defer a.episodeMu.Unlock()

	a.mu.Lock()
	watches := a.watches
	cancel := a.episodeCancel
	a.watches = nil
	a.episodeCancel = nil
	a.mu.Unlock()

	for _, w := range watches {
		w.Stop()
	}
	if cancel != nil {
		cancel()
	}
	a.Heads.Stop()
	a.Pending.Stop()
}

func (a *Agent) every(ctx context.Context, interval time.Duration, name string, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovery.WithRecoveryNamed(name, fn)
		}
	}
}

// Poll collects telemetry and dispatches stats when they changed (or when
// forced). A non-forced poll closer than UpdateInterval to the previous one
// is skipped.
func (a *Agent) Poll(ctx context.Context, forced bool) {
	now := time.Now()
	a.mu.Lock()
	since := now.Sub(a.lastPoll)
	if !forced && since < a.cfg.UpdateInterval-pollJitter {
		a.mu.Unlock()
		return
	}
	a.lastPoll = now
	a.mu.Unlock()

	if !a.Conn.IsConnected() {
		return
	}

	a.Stats.RecordAttempt()
	t, err := a.source.Telemetry(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		Logger.Warn("stats_fetch_failed", slog.String("error", err.Error()))
		a.Stats.SetInactive()
		return
	}
	a.Stats.ApplyTelemetry(t)

	if a.metadata != nil {
		c, err := a.metadata.Self(ctx)
		if err != nil {
			Logger.Warn("node_stats_unreachable", slog.String("error", err.Error()))
		}
		a.Stats.SetHashrate(c.Hashrate())
	}

	Logger.Debug("stats_polled",
		slog.Int("peers", t.Peers),
		slog.Bool("syncing", a.Stats.Snapshot().Syncing.IsSyncing()),
		slog.Duration("took", time.Since(now)),
	)
	a.Stats.SendStatsUpdate(forced)
}

func (a *Agent) enqueueBlock(ref BlockRef) {
	if err := a.Queue.Push("block", a.Blocks.Task(ref)); err != nil {
		Logger.Warn("block_enqueue_failed", slog.String("ref", ref.String()), slog.String("error", err.Error()))
	}
}

func (a *Agent) refreshNodeDetails(ctx context.Context) {
	d, err := a.source.NodeDetails(ctx)
	if err != nil {
		Logger.Warn("node_info_failed", slog.String("error", err.Error()))
		return
	}
	a.mu.Lock()
	a.info.Coinbase = d.Coinbase
	a.info.Node = d.Client
	a.info.Net = d.Network
	a.info.Protocol = d.Protocol
	a.info.API = d.API
	a.mu.Unlock()

	Logger.Info("node_info_refreshed",
		slog.String("client", d.Client),
		slog.String("net", d.Network),
	)
}

func (a *Agent) refreshMetadata(ctx context.Context) {
	if a.metadata == nil {
		return
	}
	c, err := a.metadata.Self(ctx)
	if err != nil {
		Logger.Warn("node_info_unreachable", slog.String("error", err.Error()))
		a.Stats.SetHashrate(0)
		return
	}

	a.mu.Lock()
	ApplyCandidate(&a.info, c, a.cfg.Name)
	info := a.info
	a.mu.Unlock()

	Logger.Info("node_metadata_applied",
		slog.String("name", info.Name),
		slog.String("node", info.Node),
	)
}

func (a *Agent) hello() models.HelloPayload {
	return models.HelloPayload{ID: a.id, Info: a.Info(), Secret: a.cfg.Secret}
}

func (a *Agent) onSinkOpen(ctx context.Context) {
	recovery.WithRecovery(func() { a.refreshMetadata(ctx) }, "metadata_refresh")
}

// onSinkReady 连接就绪后推送最新区块、pending 和强制 stats
func (a *Agent) onSinkReady(ctx context.Context) {
	if !a.Conn.IsConnected() {
		return
	}
	a.enqueueBlock(LatestBlock())
	recovery.WithRecovery(func() {
		a.Pending.Push(ctx)
		a.Poll(ctx, true)
	}, "sink_ready_push")
}

func (a *Agent) onHistoryRequest(_ context.Context, req models.HistoryRequest) {
	list := req.List
	if len(list) == 0 {
		current, _ := a.Stats.Block()
		list = DefaultHistoryList(current.Number, DefaultHistorySize)
	}
	err := a.Queue.Push("history", func(ctx context.Context) {
		_ = a.History.Run(ctx, list)
	})
	if err != nil {
		Logger.Warn("history_enqueue_failed", slog.String("error", err.Error()))
	}
}

func (a *Agent) onFatal(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}
