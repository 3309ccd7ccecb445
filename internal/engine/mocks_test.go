package engine

import (
	"context"
	"math/big"
	"sync"

	"netstats-agent/internal/models"
	"netstats-agent/internal/transport"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/mock"
)

// MockSource for testing
type MockSource struct {
	mock.Mock
}

func (m *MockSource) IsConnected(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockSource) Reset() {
	m.Called()
}

func (m *MockSource) Block(ctx context.Context, ref BlockRef) (*models.RawBlock, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RawBlock), args.Error(1)
}

func (m *MockSource) PendingCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockSource) Telemetry(ctx context.Context) (*Telemetry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Telemetry), args.Error(1)
}

func (m *MockSource) NodeDetails(ctx context.Context) (*NodeDetails, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*NodeDetails), args.Error(1)
}

func (m *MockSource) WatchHeads(ctx context.Context, fn func(BlockRef)) (Watch, error) {
	args := m.Called(ctx, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Watch), args.Error(1)
}

func (m *MockSource) WatchPending(ctx context.Context, fn func()) (Watch, error) {
	args := m.Called(ctx, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Watch), args.Error(1)
}

type nopWatch struct{}

func (nopWatch) Stop() {}

// emitted 一次记录下来的出站事件
type emitted struct {
	event   string
	payload interface{}
}

// recordingEmitter 记录所有 Emit 调用
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event: event, payload: payload})
}

func (r *recordingEmitter) named(event string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// fakeTransport 同步记录 Emit，测试直接调用 deliver
type fakeTransport struct {
	mu      sync.Mutex
	sent    []emitted
	deliver func(transport.Event)
	emitErr error
	ended   bool
}

func (f *fakeTransport) Start(_ context.Context, deliver func(transport.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = deliver
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.sent = append(f.sent, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) End() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

func (f *fakeTransport) sentNamed(event string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// rawBlock 构造一个有效的原始区块
func rawBlock(number uint64) *models.RawBlock {
	hash := common.BigToHash(new(big.Int).SetUint64(number + 1))
	return &models.RawBlock{
		Number:          (*hexutil.Big)(new(big.Int).SetUint64(number)),
		Hash:            &hash,
		ParentHash:      common.BigToHash(new(big.Int).SetUint64(number)),
		GasLimit:        8000000,
		Difficulty:      (*hexutil.Big)(big.NewInt(2)),
		TotalDifficulty: (*hexutil.Big)(new(big.Int).SetUint64(number * 2)),
	}
}
