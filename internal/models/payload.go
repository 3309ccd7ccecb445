package models

// 采集端事件名
const (
	EventHello    = "hello"
	EventBlock    = "block"
	EventPending  = "pending"
	EventStats    = "stats"
	EventLatency  = "latency"
	EventNodePing = "node-ping"
	EventHistory  = "history"

	EventReady    = "ready"
	EventNodePong = "node-pong"
	EventData     = "data"
)

type HelloPayload struct {
	ID     string   `json:"id"`
	Info   NodeInfo `json:"info"`
	Secret string   `json:"secret"`
}

type BlockPayload struct {
	ID    string `json:"id"`
	Block Block  `json:"block"`
}

type PendingStats struct {
	Pending int `json:"pending"`
}

type PendingPayload struct {
	ID    string       `json:"id"`
	Stats PendingStats `json:"stats"`
}

// NodeStats stats 事件携带的字段子集
type NodeStats struct {
	Active   bool       `json:"active"`
	Syncing  SyncStatus `json:"syncing"`
	Mining   bool       `json:"mining"`
	Hashrate float64    `json:"hashrate"`
	Peers    int        `json:"peers"`
	GasPrice string     `json:"gasPrice"`
	Uptime   float64    `json:"uptime"`
}

type StatsPayload struct {
	ID    string    `json:"id"`
	Stats NodeStats `json:"stats"`
}

type LatencyPayload struct {
	ID      string `json:"id"`
	Latency int64  `json:"latency"`
}

type PingPayload struct {
	ID         string `json:"id"`
	ClientTime int64  `json:"clientTime"`
}

type PongPayload struct {
	ClientTime int64 `json:"clientTime"`
}

type HistoryPayload struct {
	ID      string  `json:"id"`
	History []Block `json:"history"`
}

// HistoryRequest 采集端的历史请求；List 为空时由 agent 决定默认范围
type HistoryRequest struct {
	List []uint64 `json:"list"`
}

// NodeStatsOf 从完整快照中提取 stats 事件子集
func NodeStatsOf(s Stats) NodeStats {
	return NodeStats{
		Active:   s.Active,
		Syncing:  s.Syncing,
		Mining:   s.Mining,
		Hashrate: s.Hashrate,
		Peers:    s.Peers,
		GasPrice: s.GasPrice,
		Uptime:   s.Uptime,
	}
}
