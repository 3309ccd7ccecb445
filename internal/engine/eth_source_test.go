package engine

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"netstats-agent/internal/limiter"
	"netstats-agent/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEthNode 进程内 JSON-RPC 节点；eth_mining 与 eth_protocolVersion 故意不提供
type fakeEthNode struct {
	mu          sync.Mutex
	head        uint64
	blocks      map[uint64]*models.RawBlock
	changes     map[string][][]common.Hash
	uninstalled []string
	peerErr     error
}

func newFakeEthNode(head uint64) *fakeEthNode {
	n := &fakeEthNode{
		head:    head,
		blocks:  make(map[uint64]*models.RawBlock),
		changes: make(map[string][][]common.Hash),
	}
	for i := uint64(0); i <= head; i++ {
		n.blocks[i] = rawBlock(i)
	}
	return n
}

type fakeEthAPI struct{ n *fakeEthNode }

func (a *fakeEthAPI) BlockNumber() hexutil.Uint64 {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	return hexutil.Uint64(a.n.head)
}

func (a *fakeEthAPI) GetBlockByNumber(number string, _ bool) (*models.RawBlock, error) {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	if number == "latest" {
		return a.n.blocks[a.n.head], nil
	}
	n, err := hexutil.DecodeUint64(number)
	if err != nil {
		return nil, err
	}
	return a.n.blocks[n], nil
}

func (a *fakeEthAPI) GetBlockByHash(hash common.Hash, _ bool) (*models.RawBlock, error) {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	for _, b := range a.n.blocks {
		if *b.Hash == hash {
			return b, nil
		}
	}
	return nil, nil
}

func (a *fakeEthAPI) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(2_000_000_000))
}

func (a *fakeEthAPI) Syncing() (interface{}, error) { return false, nil }

func (a *fakeEthAPI) Hashrate() hexutil.Uint64 { return 1234 }

func (a *fakeEthAPI) ChainId() *hexutil.Big { return (*hexutil.Big)(big.NewInt(1)) }

func (a *fakeEthAPI) Coinbase() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000cb")
}

func (a *fakeEthAPI) GetBlockTransactionCountByNumber(_ string) hexutil.Uint { return 7 }

func (a *fakeEthAPI) NewBlockFilter() string { return "0x1" }

func (a *fakeEthAPI) NewPendingTransactionFilter() string { return "0x2" }

func (a *fakeEthAPI) GetFilterChanges(id string) []common.Hash {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	queue := a.n.changes[id]
	if len(queue) == 0 {
		return []common.Hash{}
	}
	a.n.changes[id] = queue[1:]
	return queue[0]
}

func (a *fakeEthAPI) UninstallFilter(id string) bool {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	a.n.uninstalled = append(a.n.uninstalled, id)
	return true
}

type fakeNetAPI struct{ n *fakeEthNode }

func (a *fakeNetAPI) PeerCount() (hexutil.Uint64, error) {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	if a.n.peerErr != nil {
		return 0, a.n.peerErr
	}
	return 5, nil
}

type fakeWeb3API struct{}

func (fakeWeb3API) ClientVersion() string { return "Geth/v1.16.8-stable" }

func newTestEthSource(t *testing.T, node *fakeEthNode) *EthSource {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &fakeEthAPI{n: node}))
	require.NoError(t, server.RegisterName("net", &fakeNetAPI{n: node}))
	require.NoError(t, server.RegisterName("web3", fakeWeb3API{}))

	httpSrv := httptest.NewServer(server)
	s := NewEthSource(httpSrv.URL, time.Second, limiter.NewRateLimiter(limiter.MaxRPS))
	s.pollEvery = 10 * time.Millisecond
	t.Cleanup(func() {
		s.Reset()
		httpSrv.Close()
		server.Stop()
	})
	return s
}

func TestEthSource_BlockLookups(t *testing.T) {
	s := newTestEthSource(t, newFakeEthNode(50))
	ctx := context.Background()

	raw, err := s.Block(ctx, BlockAt(42))
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, uint64(42), raw.Number.ToInt().Uint64())

	raw, err = s.Block(ctx, LatestBlock())
	require.NoError(t, err)
	assert.Equal(t, uint64(50), raw.Number.ToInt().Uint64())

	raw, err = s.Block(ctx, BlockByHash(*rawBlock(7).Hash))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), raw.Number.ToInt().Uint64())

	// 节点返回 null
	raw, err = s.Block(ctx, BlockAt(999))
	require.NoError(t, err)
	assert.Nil(t, raw)
	_, err = models.FormatBlock(raw)
	assert.ErrorIs(t, err, models.ErrInvalidBlock)
}

func TestEthSource_ConnectivityProbe(t *testing.T) {
	s := newTestEthSource(t, newFakeEthNode(1))
	ctx := context.Background()

	assert.True(t, s.IsConnected(ctx))
	s.Reset()
	assert.True(t, s.IsConnected(ctx), "client is redialled after reset")

	down := NewEthSource("http://127.0.0.1:1", 200*time.Millisecond, nil)
	defer down.Reset()
	assert.False(t, down.IsConnected(ctx))
}

func TestEthSource_Telemetry(t *testing.T) {
	s := newTestEthSource(t, newFakeEthNode(1))

	tel, err := s.Telemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, tel.Peers)
	assert.Equal(t, "2000000000", tel.GasPrice)
	assert.Nil(t, tel.Syncing)
	assert.False(t, tel.Mining, "eth_mining unsupported falls back to false")
	assert.Equal(t, float64(1234), tel.Hashrate)
}

func TestEthSource_TelemetryFailsWithoutPeerCount(t *testing.T) {
	node := newFakeEthNode(1)
	node.peerErr = errors.New("p2p disabled")
	s := newTestEthSource(t, node)

	_, err := s.Telemetry(context.Background())
	assert.Error(t, err)
}

func TestEthSource_NodeDetailsAndPending(t *testing.T) {
	s := newTestEthSource(t, newFakeEthNode(1))
	ctx := context.Background()

	d, err := s.NodeDetails(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Geth/v1.16.8-stable", d.Client)
	assert.Equal(t, "mainnet", d.Network)
	assert.Equal(t, common.HexToAddress("0xcb").Hex(), d.Coinbase)
	assert.Equal(t, "1.0", d.API)
	assert.Empty(t, d.Protocol)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestEthSource_WatchHeadsPollsFilter(t *testing.T) {
	node := newFakeEthNode(1)
	head := *rawBlock(1).Hash
	node.changes["0x1"] = [][]common.Hash{{head, {}}}
	s := newTestEthSource(t, node)

	var mu sync.Mutex
	var refs []BlockRef
	w, err := s.WatchHeads(context.Background(), func(ref BlockRef) {
		mu.Lock()
		defer mu.Unlock()
		refs = append(refs, ref)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(refs) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, BlockByHash(head), refs[0])
	assert.True(t, refs[1].IsLatest(), "empty hash falls back to latest")
	mu.Unlock()

	w.Stop()
	assert.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return len(node.uninstalled) == 1 && node.uninstalled[0] == "0x1"
	}, time.Second, 5*time.Millisecond)
}

func TestEthSource_WatchPendingPollsFilter(t *testing.T) {
	node := newFakeEthNode(1)
	node.changes["0x2"] = [][]common.Hash{{common.HexToHash("0xaa"), common.HexToHash("0xbb")}}
	s := newTestEthSource(t, node)

	var signals sync.WaitGroup
	signals.Add(2)
	w, err := s.WatchPending(context.Background(), func() { signals.Done() })
	require.NoError(t, err)
	defer w.Stop()

	done := make(chan struct{})
	go func() {
		signals.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected one signal per pending hash")
	}
}
