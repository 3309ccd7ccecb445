package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"netstats-agent/internal/models"
	"netstats-agent/internal/recovery"
	"netstats-agent/internal/transport"
)

// SinkState 采集端连接状态
type SinkState int32

const (
	SinkDisconnected SinkState = iota
	SinkConnecting
	SinkConnected
	SinkOffline
	SinkReconnecting
)

func (s SinkState) String() string {
	switch s {
	case SinkDisconnected:
		return "disconnected"
	case SinkConnecting:
		return "connecting"
	case SinkConnected:
		return "connected"
	case SinkOffline:
		return "offline"
	case SinkReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transport 命名事件连接（transport.Client 实现）
type Transport interface {
	Start(ctx context.Context, deliver func(transport.Event))
	Emit(event string, payload interface{}) error
	End() error
}

// SinkHooks 由 Agent 提供的回调；都在传输层 goroutine 上调用，不得阻塞
type SinkHooks struct {
	Hello   func() models.HelloPayload
	OnOpen  func(ctx context.Context)
	OnReady func(ctx context.Context)
	History func(ctx context.Context, req models.HistoryRequest)
	Fatal   func(err error)
}

// SinkConnection 管理与采集端的连接：握手、状态机、ping/pong、出站发送
type SinkConnection struct {
	mu    sync.RWMutex
	state SinkState

	id        string
	transport Transport
	hooks     SinkHooks
	handlers  map[string]func(ctx context.Context, ev transport.Event)
	now       func() time.Time
	metrics   *Metrics
	fatalOnce sync.Once
	ctx       context.Context
}

func NewSinkConnection(id string, t Transport, hooks SinkHooks) *SinkConnection {
	s := &SinkConnection{
		id:        id,
		transport: t,
		hooks:     hooks,
		now:       time.Now,
		metrics:   GetMetrics(),
	}
	s.handlers = map[string]func(context.Context, transport.Event){
		transport.EventOpen:               s.handleOpen,
		models.EventReady:                 s.handleReady,
		transport.EventReconnected:        s.handleReconnected,
		models.EventHistory:               s.handleHistory,
		models.EventNodePong:              s.handlePong,
		models.EventData:                  s.handleData,
		transport.EventEnd:                s.handleDown,
		transport.EventClose:              s.handleDown,
		transport.EventTimeout:            s.handleDown,
		transport.EventOffline:            s.handleOffline,
		transport.EventOnline:             s.handleOnline,
		transport.EventError:              s.handleError,
		transport.EventReconnect:          s.handleReconnect,
		transport.EventReconnectScheduled: s.handleReconnectScheduled,
		transport.EventReconnectTimeout:   s.handleReconnectTimeout,
		transport.EventReconnectFailed:    s.handleReconnectFailed,
	}
	return s
}

// Start 启动传输层；只调用一次
func (s *SinkConnection) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.setState(SinkConnecting, "start")
	s.transport.Start(ctx, s.Dispatch)
}

// Stop 优雅关闭
func (s *SinkConnection) Stop() {
	if err := s.transport.End(); err != nil {
		Logger.Warn("sink_end_failed", slog.String("error", err.Error()))
	}
	s.setState(SinkDisconnected, "stop")
}

func (s *SinkConnection) State() SinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *SinkConnection) IsConnected() bool {
	return s.State() == SinkConnected
}

func (s *SinkConnection) setState(to SinkState, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.metrics.SinkState.Set(float64(to))
	if from != to {
		LogSinkStateChange(from, to, reason)
	}
}

func (s *SinkConnection) rootContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Dispatch routes one transport event to its handler. Unknown events are
// ignored and a panicking handler is logged, never propagated.
func (s *SinkConnection) Dispatch(ev transport.Event) {
	handler, ok := s.handlers[ev.Name]
	if !ok {
		Logger.Debug("sink_event_ignored", slog.String("event", ev.Name))
		return
	}
	ctx := s.rootContext()
	recovery.WithRecoveryNamed("sink_"+ev.Name, func() {
		handler(ctx, ev)
	})
}

// Emit sends event when connected; otherwise the event is dropped.
// Errors and panics stop here.
func (s *SinkConnection) Emit(event string, payload interface{}) {
	if !s.IsConnected() {
		Logger.Debug("sink_emit_dropped", slog.String("event", event), slog.String("state", s.State().String()))
		s.metrics.RecordEmit(event, false)
		return
	}
	s.send(event, payload)
}

// send 不检查状态（hello 在 Connected 之前发送）
func (s *SinkConnection) send(event string, payload interface{}) {
	var err error
	panicked := recovery.WithRecoveryNamed("sink_emit_"+event, func() {
		err = s.transport.Emit(event, payload)
	})
	if panicked {
		err = fmt.Errorf("emit %s panicked", event)
	}
	if err != nil {
		LogEmitError(event, err)
		s.metrics.RecordEmit(event, false)
		return
	}
	s.metrics.RecordEmit(event, true)
	Logger.Debug("sink_emitted", slog.String("event", event))
}

// Ping 发送 node-ping，用于测量往返延迟
func (s *SinkConnection) Ping() {
	s.Emit(models.EventNodePing, models.PingPayload{ID: s.id, ClientTime: s.now().UnixMilli()})
}

func (s *SinkConnection) handleOpen(ctx context.Context, _ transport.Event) {
	Logger.Info("sink_opened")
	s.setState(SinkConnecting, "open")

	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen(ctx)
	}
	if s.hooks.Hello != nil {
		s.send(models.EventHello, s.hooks.Hello())
	}
}

func (s *SinkConnection) handleReady(ctx context.Context, _ transport.Event) {
	s.setState(SinkConnected, "ready")
	if s.hooks.OnReady != nil {
		s.hooks.OnReady(ctx)
	}
}

func (s *SinkConnection) handleReconnected(ctx context.Context, ev transport.Event) {
	Logger.Info("sink_reconnected",
		slog.Int("attempt", ev.Attempt),
		slog.Duration("after", ev.Duration),
	)
	s.setState(SinkConnected, "reconnected")
	if s.hooks.OnReady != nil {
		s.hooks.OnReady(ctx)
	}
}

func (s *SinkConnection) handleHistory(ctx context.Context, ev transport.Event) {
	var req models.HistoryRequest
	if len(ev.Data) > 0 && string(ev.Data) != "null" {
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			Logger.Warn("history_request_invalid", slog.String("error", err.Error()))
			return
		}
	}
	Logger.Info("history_requested", slog.Int("explicit", len(req.List)))
	if s.hooks.History != nil {
		s.hooks.History(ctx, req)
	}
}

// handlePong latency = ceil((now - clientTime) / 2)
func (s *SinkConnection) handlePong(_ context.Context, ev transport.Event) {
	var pong models.PongPayload
	if err := json.Unmarshal(ev.Data, &pong); err != nil {
		Logger.Warn("pong_invalid", slog.String("error", err.Error()))
		return
	}
	latency := int64(math.Ceil(float64(s.now().UnixMilli()-pong.ClientTime) / 2))
	s.metrics.Latency.Set(float64(latency))
	s.Emit(models.EventLatency, models.LatencyPayload{ID: s.id, Latency: latency})
}

func (s *SinkConnection) handleData(_ context.Context, ev transport.Event) {
	Logger.Debug("sink_data_received", slog.Int("bytes", len(ev.Data)))
}

func (s *SinkConnection) handleDown(_ context.Context, ev transport.Event) {
	attrs := []any{slog.String("event", ev.Name)}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	Logger.Error("sink_connection_lost", attrs...)
	s.setState(SinkDisconnected, ev.Name)
}

func (s *SinkConnection) handleOffline(_ context.Context, _ transport.Event) {
	Logger.Error("sink_network_offline")
	s.setState(SinkOffline, "offline")
}

// handleOnline 网络恢复，但 socket 尚未打开；等 ready/reconnected 再置为 Connected
func (s *SinkConnection) handleOnline(_ context.Context, _ transport.Event) {
	Logger.Info("sink_network_online")
	s.setState(SinkConnecting, "online")
}

func (s *SinkConnection) handleError(_ context.Context, ev transport.Event) {
	if ev.Err != nil {
		Logger.Error("sink_error", slog.String("error", ev.Err.Error()))
	}
}

func (s *SinkConnection) handleReconnect(_ context.Context, ev transport.Event) {
	Logger.Info("sink_reconnect_started", slog.Int("attempt", ev.Attempt))
}

func (s *SinkConnection) handleReconnectScheduled(_ context.Context, ev transport.Event) {
	Logger.Warn("sink_reconnect_scheduled",
		slog.Duration("in", ev.Scheduled),
		slog.Int("attempt", ev.Attempt),
		slog.Int("retries", ev.Retries),
	)
	s.setState(SinkReconnecting, "reconnect scheduled")
	if ev.Retries > 0 && ev.Attempt >= ev.Retries {
		s.fatal(fmt.Errorf("%w: attempt %d of %d", ErrSinkExhausted, ev.Attempt, ev.Retries))
	}
}

func (s *SinkConnection) handleReconnectTimeout(_ context.Context, ev transport.Event) {
	attrs := []any{slog.Int("attempt", ev.Attempt)}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	Logger.Error("sink_reconnect_timeout", attrs...)
	s.setState(SinkReconnecting, "reconnect timeout")
}

func (s *SinkConnection) handleReconnectFailed(_ context.Context, ev transport.Event) {
	s.setState(SinkDisconnected, "reconnect failed")
	err := ErrSinkExhausted
	if ev.Err != nil {
		err = fmt.Errorf("%w: %v", ErrSinkExhausted, ev.Err)
	}
	s.fatal(err)
}

func (s *SinkConnection) fatal(err error) {
	s.fatalOnce.Do(func() {
		Logger.Error("sink_unrecoverable", slog.String("error", err.Error()))
		if s.hooks.Fatal != nil {
			s.hooks.Fatal(err)
		}
	})
}
