package models

import (
	"bytes"
	"encoding/json"
	"math/big"
	"reflect"
	"strings"
	"unicode"

	"github.com/holiman/uint256"
)

// NodeInfo 节点身份信息，hello 握手时发送给采集端.
// 启动时生成，之后只由元数据刷新修改.
type NodeInfo struct {
	Name             string `json:"name"`
	Contact          string `json:"contact"`
	Coinbase         string `json:"coinbase"`
	Node             string `json:"node"`
	Net              string `json:"net"`
	Protocol         string `json:"protocol"`
	API              string `json:"api"`
	Port             int    `json:"port"`
	OS               string `json:"os"`
	OSVer            string `json:"os_v"`
	Client           string `json:"client"`
	CanUpdateHistory bool   `json:"canUpdateHistory"`
}

// Stats 当前节点状态快照，每个 agent 只有一份，原地覆盖.
type Stats struct {
	Active   bool       `json:"active"`
	Mining   bool       `json:"mining"`
	Hashrate float64    `json:"hashrate"`
	Peers    int        `json:"peers"`
	Pending  int        `json:"pending"`
	GasPrice string     `json:"gasPrice"`
	Block    Block      `json:"block"`
	Syncing  SyncStatus `json:"syncing"`
	Uptime   float64    `json:"uptime"`
}

// NewStats 返回启动时的占位状态
func NewStats() Stats {
	return Stats{
		GasPrice: "0",
		Block:    PlaceholderBlock(),
	}
}

// SyncProgress 同步进度，仅在同步中存在
type SyncProgress struct {
	StartingBlock uint64  `json:"startingBlock"`
	CurrentBlock  uint64  `json:"currentBlock"`
	HighestBlock  uint64  `json:"highestBlock"`
	Progress      float64 `json:"progress"`
}

// NewSyncProgress computes progress = (current-starting)/(highest-starting).
func NewSyncProgress(starting, current, highest uint64) *SyncProgress {
	p := &SyncProgress{
		StartingBlock: starting,
		CurrentBlock:  current,
		HighestBlock:  highest,
	}
	if highest > starting {
		p.Progress = (float64(current) - float64(starting)) / float64(highest-starting)
	}
	return p
}

// SyncStatus 在 JSON 中编码为 false 或进度对象
type SyncStatus struct {
	Progress *SyncProgress
}

func (s SyncStatus) IsSyncing() bool {
	return s.Progress != nil
}

func (s SyncStatus) MarshalJSON() ([]byte, error) {
	if s.Progress == nil {
		return []byte("false"), nil
	}
	return json.Marshal(s.Progress)
}

func (s *SyncStatus) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("false")) || bytes.Equal(trimmed, []byte("null")) {
		s.Progress = nil
		return nil
	}
	var p SyncProgress
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	s.Progress = &p
	return nil
}

// FormatGasPrice 把 gas price 编码为十进制字符串
func FormatGasPrice(price *big.Int) string {
	if price == nil {
		return "0"
	}
	u, overflow := uint256.FromBig(price)
	if overflow {
		return price.String()
	}
	return u.Dec()
}

// EqualJSON reports whether a and b encode to the same JSON document.
// Object key order is ignored.
func EqualJSON(a, b interface{}) bool {
	left, err := normalizeJSON(a)
	if err != nil {
		return false
	}
	right, err := normalizeJSON(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

func normalizeJSON(v interface{}) (interface{}, error) {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NodeID 把节点名转换为 camelCase 形式的 id
func NodeID(name string) string {
	words := splitWords(name)
	var b strings.Builder
	for i, w := range words {
		lower := strings.ToLower(w)
		if i == 0 {
			b.WriteString(lower)
			continue
		}
		runes := []rune(lower)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

// splitWords 按非字母数字、大小写切换、字母数字切换拆词
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsDigit(r) != unicode.IsDigit(prev):
				flush()
			case unicode.IsUpper(r) && unicode.IsLower(prev):
				flush()
			case unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				// "HTTPServer" -> "HTTP", "Server"
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}
