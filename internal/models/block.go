package models

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidBlock 区块缺少 number/difficulty/totalDifficulty 或 number 为负
var ErrInvalidBlock = errors.New("invalid block")

// RawBlock 是 eth_getBlockBy* (includeTx=false) 的原始返回.
// 必需字段用指针，缺失时为 nil.
type RawBlock struct {
	Number           *hexutil.Big   `json:"number"`
	Hash             *common.Hash   `json:"hash"`
	ParentHash       common.Hash    `json:"parentHash"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	Miner            common.Address `json:"miner"`
	GasUsed          hexutil.Uint64 `json:"gasUsed"`
	GasLimit         hexutil.Uint64 `json:"gasLimit"`
	Difficulty       *hexutil.Big   `json:"difficulty"`
	TotalDifficulty  *hexutil.Big   `json:"totalDifficulty"`
	Transactions     []common.Hash  `json:"transactions"`
	TransactionsRoot common.Hash    `json:"transactionsRoot"`
	StateRoot        common.Hash    `json:"stateRoot"`
	Uncles           []common.Hash  `json:"uncles"`
}

// Block 上报给采集端的区块格式，difficulty 使用十进制字符串
type Block struct {
	Number           uint64   `json:"number"`
	Hash             string   `json:"hash"`
	ParentHash       string   `json:"parentHash"`
	Timestamp        uint64   `json:"timestamp"`
	Miner            string   `json:"miner"`
	GasUsed          uint64   `json:"gasUsed"`
	GasLimit         uint64   `json:"gasLimit"`
	Difficulty       string   `json:"difficulty"`
	TotalDifficulty  string   `json:"totalDifficulty"`
	Transactions     []string `json:"transactions"`
	TransactionsRoot string   `json:"transactionsRoot"`
	StateRoot        string   `json:"stateRoot"`
	Uncles           []string `json:"uncles"`
}

// PlaceholderBlock 尚未观察到任何区块时的占位值
func PlaceholderBlock() Block {
	return Block{
		Hash:            "?",
		Difficulty:      "0",
		TotalDifficulty: "0",
		Transactions:    []string{},
		Uncles:          []string{},
	}
}

// Validate 校验候选区块
func (r *RawBlock) Validate() error {
	if r == nil {
		return ErrInvalidBlock
	}
	if r.Number == nil || r.Number.ToInt().Sign() < 0 || !r.Number.ToInt().IsUint64() {
		return ErrInvalidBlock
	}
	if r.Difficulty == nil || r.TotalDifficulty == nil {
		return ErrInvalidBlock
	}
	return nil
}

// FormatBlock 校验并转换为上报格式；无效区块返回 ErrInvalidBlock
func FormatBlock(r *RawBlock) (Block, error) {
	if err := r.Validate(); err != nil {
		return Block{}, err
	}

	b := Block{
		Number:           r.Number.ToInt().Uint64(),
		ParentHash:       r.ParentHash.Hex(),
		Timestamp:        uint64(r.Timestamp),
		Miner:            r.Miner.Hex(),
		GasUsed:          uint64(r.GasUsed),
		GasLimit:         uint64(r.GasLimit),
		Difficulty:       r.Difficulty.ToInt().String(),
		TotalDifficulty:  r.TotalDifficulty.ToInt().String(),
		TransactionsRoot: r.TransactionsRoot.Hex(),
		StateRoot:        r.StateRoot.Hex(),
		Transactions:     hashStrings(r.Transactions),
		Uncles:           hashStrings(r.Uncles),
	}
	if r.Hash != nil {
		b.Hash = r.Hash.Hex()
	}
	return b, nil
}

func hashStrings(hashes []common.Hash) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.Hex())
	}
	return out
}
