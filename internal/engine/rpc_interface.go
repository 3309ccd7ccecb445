package engine

import (
	"context"
	"fmt"

	"netstats-agent/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRef 区块查询标识：hash、高度或 latest
type BlockRef struct {
	Hash   common.Hash
	Number uint64
	byNum  bool
}

func LatestBlock() BlockRef             { return BlockRef{} }
func BlockByHash(h common.Hash) BlockRef { return BlockRef{Hash: h} }
func BlockAt(n uint64) BlockRef          { return BlockRef{Number: n, byNum: true} }

func (r BlockRef) IsLatest() bool {
	return !r.byNum && r.Hash == (common.Hash{})
}

func (r BlockRef) HasNumber() bool { return r.byNum }

func (r BlockRef) String() string {
	switch {
	case r.byNum:
		return fmt.Sprintf("#%d", r.Number)
	case r.IsLatest():
		return "latest"
	default:
		return r.Hash.Hex()
	}
}

// Telemetry 一次轮询得到的节点状态
type Telemetry struct {
	Peers    int
	Mining   bool
	Hashrate float64
	GasPrice string
	Syncing  *models.SyncProgress
}

// NodeDetails 节点自身的身份字段
type NodeDetails struct {
	Coinbase string
	Client   string
	Network  string
	Protocol string
	API      string
}

// Watch 一个已安装的订阅/过滤器
type Watch interface {
	Stop()
}

// Source 定义被监控节点的 RPC 能力，用于测试和生产代码
type Source interface {
	// IsConnected 探测节点是否可达（必要时建立连接）
	IsConnected(ctx context.Context) bool
	// Reset 丢弃底层连接，下次调用重新拨号
	Reset()
	Block(ctx context.Context, ref BlockRef) (*models.RawBlock, error)
	PendingCount(ctx context.Context) (int, error)
	Telemetry(ctx context.Context) (*Telemetry, error)
	NodeDetails(ctx context.Context) (*NodeDetails, error)
	WatchHeads(ctx context.Context, fn func(BlockRef)) (Watch, error)
	WatchPending(ctx context.Context, fn func()) (Watch, error)
}

// 确保EthSource实现了Source接口
var _ Source = (*EthSource)(nil)
