package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"netstats-agent/internal/limiter"
	"netstats-agent/internal/models"
	"netstats-agent/pkg/network"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

const filterPollInterval = time.Second

// EthSource 基于 go-ethereum rpc/ethclient 的 Source 实现.
// 所有调用先经过令牌桶，再带上单次超时.
type EthSource struct {
	url       string
	timeout   time.Duration
	pollEvery time.Duration // http 端点的过滤器轮询间隔
	limiter   *limiter.RateLimiter
	metrics   *Metrics

	mu  sync.Mutex
	rc  *rpc.Client
	ec  *ethclient.Client
	net string // 缓存的网络名
}

func NewEthSource(url string, timeout time.Duration, rl *limiter.RateLimiter) *EthSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rl == nil {
		rl = limiter.NewRateLimiter(limiter.DefaultRPS)
	}
	return &EthSource{
		url:       url,
		timeout:   timeout,
		pollEvery: filterPollInterval,
		limiter:   rl,
		metrics:   GetMetrics(),
	}
}

// subscribable ws/ipc 端点支持 eth_subscribe
func (s *EthSource) subscribable() bool {
	return strings.HasPrefix(s.url, "ws://") || strings.HasPrefix(s.url, "wss://") || strings.HasSuffix(s.url, ".ipc")
}

func (s *EthSource) clients(ctx context.Context) (*rpc.Client, *ethclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc != nil {
		return s.rc, s.ec, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rc, err := rpc.DialContext(dialCtx, s.url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", s.url, err)
	}
	s.rc = rc
	s.ec = ethclient.NewClient(rc)
	return s.rc, s.ec, nil
}

// call 原始 JSON-RPC 调用
func (s *EthSource) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	rc, _, err := s.clients(ctx)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = rc.CallContext(callCtx, result, method, args...)
	s.metrics.RecordRPC(method, err)
	return err
}

// invoke 通过 ethclient 的类型化方法调用
func (s *EthSource) invoke(ctx context.Context, method string, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	_, ec, err := s.clients(ctx)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = fn(callCtx, ec)
	s.metrics.RecordRPC(method, err)
	return err
}

func (s *EthSource) IsConnected(ctx context.Context) bool {
	var n hexutil.Uint64
	if err := s.call(ctx, &n, "eth_blockNumber"); err != nil {
		Logger.Debug("source_probe_failed", slog.String("url", s.url), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *EthSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc != nil {
		s.rc.Close()
	}
	s.rc, s.ec = nil, nil
}

// Block 查询区块（不含交易体）；节点返回 null 时得到 nil
func (s *EthSource) Block(ctx context.Context, ref BlockRef) (*models.RawBlock, error) {
	var raw *models.RawBlock
	var err error
	switch {
	case ref.HasNumber():
		err = s.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(ref.Number), false)
	case ref.IsLatest():
		err = s.call(ctx, &raw, "eth_getBlockByNumber", "latest", false)
	default:
		err = s.call(ctx, &raw, "eth_getBlockByHash", ref.Hash, false)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", ref, err)
	}
	return raw, nil
}

func (s *EthSource) PendingCount(ctx context.Context) (int, error) {
	var n uint
	err := s.invoke(ctx, "eth_getBlockTransactionCountByNumber", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		n, err = ec.PendingTransactionCount(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Telemetry 并行拉取节点状态；peers/gasPrice/syncing 为必需项，
// mining/hashrate 在新版客户端上已移除，失败时按 false/0 处理
func (s *EthSource) Telemetry(ctx context.Context) (*Telemetry, error) {
	t := &Telemetry{GasPrice: "0"}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.invoke(gctx, "net_peerCount", func(ctx context.Context, ec *ethclient.Client) error {
			peers, err := ec.PeerCount(ctx)
			t.Peers = int(peers)
			return err
		})
	})
	g.Go(func() error {
		return s.invoke(gctx, "eth_gasPrice", func(ctx context.Context, ec *ethclient.Client) error {
			price, err := ec.SuggestGasPrice(ctx)
			t.GasPrice = models.FormatGasPrice(price)
			return err
		})
	})
	g.Go(func() error {
		return s.invoke(gctx, "eth_syncing", func(ctx context.Context, ec *ethclient.Client) error {
			progress, err := ec.SyncProgress(ctx)
			if err == nil && progress != nil {
				t.Syncing = models.NewSyncProgress(progress.StartingBlock, progress.CurrentBlock, progress.HighestBlock)
			}
			return err
		})
	})
	g.Go(func() error {
		var mining bool
		if err := s.call(gctx, &mining, "eth_mining"); err == nil {
			t.Mining = mining
		}
		return nil
	})
	g.Go(func() error {
		var rate hexutil.Uint64
		if err := s.call(gctx, &rate, "eth_hashrate"); err == nil {
			t.Hashrate = float64(rate)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return t, nil
}

// NodeDetails 客户端版本为必需，其余字段尽力获取
func (s *EthSource) NodeDetails(ctx context.Context) (*NodeDetails, error) {
	d := &NodeDetails{}
	if err := s.call(ctx, &d.Client, "web3_clientVersion"); err != nil {
		return nil, fmt.Errorf("client version: %w", err)
	}

	var protocol string
	if err := s.call(ctx, &protocol, "eth_protocolVersion"); err == nil {
		d.Protocol = protocol
	}
	var coinbase common.Address
	if err := s.call(ctx, &coinbase, "eth_coinbase"); err == nil {
		d.Coinbase = coinbase.Hex()
	}
	var modules map[string]string
	if err := s.call(ctx, &modules, "rpc_modules"); err == nil {
		d.API = modules["eth"]
	}

	d.Network = s.cachedNetwork()
	if d.Network == "" {
		var name string
		err := s.invoke(ctx, "eth_chainId", func(ctx context.Context, ec *ethclient.Client) error {
			var err error
			_, name, err = network.Detect(ctx, ec)
			return err
		})
		if err == nil {
			s.mu.Lock()
			s.net = name
			s.mu.Unlock()
			d.Network = name
		}
	}
	return d, nil
}

func (s *EthSource) cachedNetwork() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net
}

// WatchHeads 在 ws 端点上订阅 newHeads，http 端点上轮询 eth_newBlockFilter
func (s *EthSource) WatchHeads(ctx context.Context, fn func(BlockRef)) (Watch, error) {
	if s.subscribable() {
		_, ec, err := s.clients(ctx)
		if err != nil {
			return nil, err
		}
		headers := make(chan *types.Header, 16)
		wctx, cancel := context.WithCancel(ctx)
		sub, err := ec.SubscribeNewHead(wctx, headers)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe newHeads: %w", err)
		}
		go func() {
			defer sub.Unsubscribe()
			for {
				select {
				case <-wctx.Done():
					return
				case err := <-sub.Err():
					if err != nil {
						Logger.Warn("head_subscription_error", slog.String("error", err.Error()))
					}
					return
				case h := <-headers:
					if h == nil {
						continue
					}
					fn(BlockByHash(h.Hash()))
				}
			}
		}()
		return cancelWatch(cancel), nil
	}

	return s.pollFilter(ctx, "eth_newBlockFilter", func(h common.Hash) {
		if h == (common.Hash{}) {
			fn(LatestBlock())
			return
		}
		fn(BlockByHash(h))
	})
}

// WatchPending 在 ws 端点上订阅 newPendingTransactions，否则轮询 pending filter
func (s *EthSource) WatchPending(ctx context.Context, fn func()) (Watch, error) {
	if s.subscribable() {
		rc, _, err := s.clients(ctx)
		if err != nil {
			return nil, err
		}
		hashes := make(chan common.Hash, 256)
		wctx, cancel := context.WithCancel(ctx)
		sub, err := rc.EthSubscribe(wctx, hashes, "newPendingTransactions")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe newPendingTransactions: %w", err)
		}
		go func() {
			defer sub.Unsubscribe()
			for {
				select {
				case <-wctx.Done():
					return
				case err := <-sub.Err():
					if err != nil {
						Logger.Warn("pending_subscription_error", slog.String("error", err.Error()))
					}
					return
				case <-hashes:
					fn()
				}
			}
		}()
		return cancelWatch(cancel), nil
	}

	return s.pollFilter(ctx, "eth_newPendingTransactionFilter", func(common.Hash) { fn() })
}

// pollFilter 安装过滤器并定期拉取变化；停止时卸载
func (s *EthSource) pollFilter(ctx context.Context, install string, fn func(common.Hash)) (Watch, error) {
	var id string
	if err := s.call(ctx, &id, install); err != nil {
		return nil, fmt.Errorf("%s: %w", install, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	go func() {
		defer func() {
			uctx, ucancel := context.WithTimeout(context.Background(), s.timeout)
			defer ucancel()
			var ok bool
			_ = s.call(uctx, &ok, "eth_uninstallFilter", id)
		}()

		ticker := time.NewTicker(s.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				var changes []common.Hash
				if err := s.call(wctx, &changes, "eth_getFilterChanges", id); err != nil {
					if wctx.Err() != nil {
						return
					}
					Logger.Warn("filter_poll_failed",
						slog.String("filter", install),
						slog.String("error", err.Error()),
					)
					continue
				}
				for _, h := range changes {
					fn(h)
				}
			}
		}
	}()
	return cancelWatch(cancel), nil
}

type cancelWatch context.CancelFunc

func (c cancelWatch) Stop() { c() }
