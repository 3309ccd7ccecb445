package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"netstats-agent/internal/models"
	"netstats-agent/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testAgentConfig() AgentConfig {
	return AgentConfig{
		Name:           "node1",
		Contact:        "ops@example.com",
		Secret:         "s3cret",
		Version:        "0.1.0",
		UpdateInterval: time.Hour,
		PingInterval:   time.Hour,
		RetryDelay:     10 * time.Millisecond,
		MaxAttempts:    3,
	}
}

// connectedSource 一个始终在线的 RPC 源
func connectedSource() *MockSource {
	src := &MockSource{}
	src.On("IsConnected", mock.Anything).Return(true)
	src.On("Reset").Return()
	src.On("NodeDetails", mock.Anything).Return(&NodeDetails{
		Client:   "Geth/v1.16.8-stable",
		Network:  "1",
		Protocol: "68",
		API:      "1.0",
	}, nil)
	src.On("WatchHeads", mock.Anything, mock.Anything).Return(nopWatch{}, nil)
	src.On("WatchPending", mock.Anything, mock.Anything).Return(nopWatch{}, nil)
	return src
}

func TestAgent_InitRefreshesInfoAndEnqueuesLatest(t *testing.T) {
	src := connectedSource()
	a := NewAgent(testAgentConfig(), src, &fakeTransport{}, nil)
	defer a.Stop()

	a.Conn.Connect(context.Background())

	assert.True(t, a.Conn.IsConnected())
	info := a.Info()
	assert.Equal(t, "Geth/v1.16.8-stable", info.Node)
	assert.Equal(t, "1", info.Net)
	assert.Equal(t, defaultP2PPort, info.Port)
	assert.True(t, info.CanUpdateHistory)
	assert.Equal(t, 1, a.Queue.Backlog(), "latest block is queued on connect")
	src.AssertNumberOfCalls(t, "WatchHeads", 1)
	src.AssertNumberOfCalls(t, "WatchPending", 1)
}

func TestAgent_WatchFailureIsNotFatal(t *testing.T) {
	src := &MockSource{}
	src.On("IsConnected", mock.Anything).Return(true)
	src.On("Reset").Return()
	src.On("NodeDetails", mock.Anything).Return(nil, errors.New("method not found"))
	src.On("WatchHeads", mock.Anything, mock.Anything).Return(nil, errors.New("filter not supported"))
	src.On("WatchPending", mock.Anything, mock.Anything).Return(nopWatch{}, nil)

	a := NewAgent(testAgentConfig(), src, &fakeTransport{}, nil)
	defer a.Stop()

	a.Conn.Connect(context.Background())
	assert.True(t, a.Conn.IsConnected())
	assert.Equal(t, "0.1.0", a.Info().Client)
}

func TestAgent_HelloCarriesSecretAndInfo(t *testing.T) {
	ft := &fakeTransport{}
	a := NewAgent(testAgentConfig(), connectedSource(), ft, nil)
	defer a.Stop()

	a.Sink.Dispatch(transport.Event{Name: transport.EventOpen})

	hello := ft.sentNamed(models.EventHello)
	require.Len(t, hello, 1)
	payload := hello[0].(models.HelloPayload)
	assert.Equal(t, a.ID(), payload.ID)
	assert.Equal(t, "s3cret", payload.Secret)
	assert.Equal(t, "node1", payload.Info.Name)
	assert.Equal(t, "ops@example.com", payload.Info.Contact)
}

func TestAgent_ReadyPushesStatsAndPending(t *testing.T) {
	src := connectedSource()
	src.On("Telemetry", mock.Anything).Return(&Telemetry{Peers: 4, GasPrice: "1000000000"}, nil)
	src.On("PendingCount", mock.Anything).Return(2, nil)

	ft := &fakeTransport{}
	a := NewAgent(testAgentConfig(), src, ft, nil)
	defer a.Stop()
	ctx := context.Background()

	a.Conn.Connect(ctx)
	a.Sink.Dispatch(transport.Event{Name: models.EventReady})

	assert.Eventually(t, func() bool {
		return len(ft.sentNamed(models.EventStats)) == 1
	}, time.Second, 5*time.Millisecond)

	stats := ft.sentNamed(models.EventStats)[0].(models.StatsPayload)
	assert.True(t, stats.Stats.Active)
	assert.Equal(t, 4, stats.Stats.Peers)

	pending := ft.sentNamed(models.EventPending)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].(models.PendingPayload).Stats.Pending)

	// 距上次轮询不足 UpdateInterval，非强制轮询被跳过
	a.Poll(ctx, false)
	src.AssertNumberOfCalls(t, "Telemetry", 1)
}

func TestAgent_PollSkippedWhileSourceDown(t *testing.T) {
	src := &MockSource{}
	a := NewAgent(testAgentConfig(), src, &fakeTransport{}, nil)

	a.Poll(context.Background(), true)
	src.AssertNotCalled(t, "Telemetry", mock.Anything)
}

func TestAgent_TelemetryFailureRestartsSource(t *testing.T) {
	src := connectedSource()
	src.On("Telemetry", mock.Anything).Return(nil, errors.New("connection refused"))

	ft := &fakeTransport{}
	a := NewAgent(testAgentConfig(), src, ft, nil)
	defer a.Stop()
	ctx := context.Background()

	a.Conn.Connect(ctx)
	a.Sink.setState(SinkConnected, "test")
	a.Poll(ctx, true)

	sent := ft.sentNamed(models.EventStats)
	require.Len(t, sent, 1)
	assert.False(t, sent[0].(models.StatsPayload).Stats.Active)

	// SetInactive 触发 teardown + Reset + 新一轮 init
	src.AssertNumberOfCalls(t, "Reset", 1)
	src.AssertNumberOfCalls(t, "NodeDetails", 2)
	assert.True(t, a.Conn.IsConnected())
}

// countingWatch 统计 Stop 次数
type countingWatch struct{ stops *atomic.Int32 }

func (w countingWatch) Stop() { w.stops.Add(1) }

func TestAgent_ConcurrentPollFailuresKeepOneEpisode(t *testing.T) {
	var installs, stops atomic.Int32
	watch := countingWatch{stops: &stops}

	src := &MockSource{}
	src.On("IsConnected", mock.Anything).Return(true)
	src.On("Reset").Return()
	src.On("NodeDetails", mock.Anything).Return(&NodeDetails{Client: "Geth/v1.16.8-stable"}, nil)
	src.On("WatchHeads", mock.Anything, mock.Anything).Return(watch, nil).Run(func(mock.Arguments) { installs.Add(1) })
	src.On("WatchPending", mock.Anything, mock.Anything).Return(watch, nil).Run(func(mock.Arguments) { installs.Add(1) })
	src.On("Telemetry", mock.Anything).Return(nil, errors.New("connection refused")).After(30 * time.Millisecond)

	a := NewAgent(testAgentConfig(), src, &fakeTransport{}, nil)
	ctx := context.Background()
	a.Conn.Connect(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Poll(ctx, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), installs.Load()-stops.Load(), "exactly one episode of head+pending watches is live")
	assert.True(t, a.Conn.IsConnected())

	a.Stop()
	assert.Equal(t, installs.Load(), stops.Load(), "every installed watch is stopped")
}

func TestAgent_HistoryRequestDefaultsToRecentRange(t *testing.T) {
	src := &MockSource{}
	src.On("Reset").Return()
	src.On("Block", mock.Anything, mock.Anything).Return(rawBlock(1), nil)
	src.On("PendingCount", mock.Anything).Return(0, nil).Maybe()

	ft := &fakeTransport{}
	a := NewAgent(testAgentConfig(), src, ft, nil)
	a.Stats.SetBlock(mustFormat(t, rawBlock(10)))

	var wg sync.WaitGroup
	a.Queue.Start(context.Background(), &wg)
	defer func() {
		a.Stop()
		wg.Wait()
	}()

	a.Sink.Dispatch(transport.Event{Name: models.EventReady})
	a.Sink.Dispatch(transport.Event{Name: models.EventHistory})

	assert.Eventually(t, func() bool {
		return len(ft.sentNamed(models.EventHistory)) == 1
	}, time.Second, 5*time.Millisecond)

	history := ft.sentNamed(models.EventHistory)[0].(models.HistoryPayload)
	assert.Len(t, history.History, 10, "blocks 9..0")
	src.AssertCalled(t, "Block", mock.Anything, BlockAt(9))
	src.AssertCalled(t, "Block", mock.Anything, BlockAt(0))
}

func TestAgent_SinkExhaustionSignalsFatal(t *testing.T) {
	a := NewAgent(testAgentConfig(), &MockSource{}, &fakeTransport{}, nil)

	a.Sink.Dispatch(transport.Event{Name: transport.EventReconnectFailed})

	select {
	case err := <-a.Fatal():
		assert.ErrorIs(t, err, ErrSinkExhausted)
	case <-time.After(time.Second):
		t.Fatal("expected fatal signal")
	}
}

func TestAgent_OpenAppliesCandidateMetadata(t *testing.T) {
	srv := newCandidateServer(t, http.StatusOK, candidatesJSON)
	ft := &fakeTransport{}
	a := NewAgent(testAgentConfig(), connectedSource(), ft, NewMetadataClient(srv.URL, "10.0.0.1", time.Second))
	defer a.Stop()

	a.Sink.Dispatch(transport.Event{Name: transport.EventOpen})

	assert.Eventually(t, func() bool {
		return a.Info().Name == "alpha"
	}, time.Second, 5*time.Millisecond)
	info := a.Info()
	assert.Equal(t, "ops@alpha.io", info.Contact)
	assert.Equal(t, "Validator", info.Node)
}
