package network

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
)

// 预定义的网络 ID（常量）
const (
	MainnetChainID      = 1
	SepoliaChainID      = 11155111
	HoleskyChainID      = 17000
	AnvilChainID        = 31337
	MeterMainnetChainID = 82
	MeterTestnetChainID = 83
)

// Name 返回 Chain ID 对应的网络名称
func Name(chainID int64) string {
	switch chainID {
	case MainnetChainID:
		return "mainnet"
	case SepoliaChainID:
		return "sepolia"
	case HoleskyChainID:
		return "holesky"
	case AnvilChainID:
		return "anvil"
	case MeterMainnetChainID:
		return "meter-mainnet"
	case MeterTestnetChainID:
		return "meter-testnet"
	default:
		return fmt.Sprintf("chain-%d", chainID)
	}
}

// ChainIDReader 任何能返回 chain id 的客户端（ethclient.Client 满足）
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Detect 查询节点的 chain id 并返回网络名称
func Detect(ctx context.Context, client ChainIDReader) (int64, string, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("failed to get chain ID: %w", err)
	}
	if !chainID.IsInt64() {
		return 0, "", fmt.Errorf("chain ID %s out of range", chainID)
	}

	id := chainID.Int64()
	slog.Debug("network_detected",
		"chain_id", id,
		"network", Name(id),
	)
	return id, Name(id), nil
}
