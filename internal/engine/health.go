package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthyStatus = "healthy"

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Check 单个检查项
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthServer 健康检查服务器
type HealthServer struct {
	agent *Agent
}

func NewHealthServer(agent *Agent) *HealthServer {
	return &HealthServer{agent: agent}
}

// RegisterRoutes 注册健康检查与指标路由
func (h *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/healthz/ready", h.Ready)
	mux.HandleFunc("/healthz/live", h.Live)
	mux.Handle("/metrics", promhttp.Handler())
}

// Healthz 完整健康检查
func (h *HealthServer) Healthz(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{
		Timestamp: time.Now(),
		Checks: map[string]Check{
			"source": h.checkSource(),
			"sink":   h.checkSink(),
			"queue":  h.checkQueue(),
			"block":  h.checkBlock(),
		},
	}

	status.Status = healthyStatus
	for _, c := range status.Checks {
		if c.Status == "unhealthy" {
			status.Status = "unhealthy"
			break
		}
	}

	code := http.StatusOK
	if status.Status != healthyStatus {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// Ready 就绪：RPC 源和采集端都已连接
func (h *HealthServer) Ready(w http.ResponseWriter, _ *http.Request) {
	source, sink := h.checkSource(), h.checkSink()
	if source.Status == healthyStatus && sink.Status == healthyStatus {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status": "not_ready",
		"checks": map[string]Check{
			"source": source,
			"sink":   sink,
		},
	})
}

// Live 存活检查（进程是否存活）
func (h *HealthServer) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *HealthServer) checkSource() Check {
	state := h.agent.Conn.State()
	if state != SourceConnected {
		return Check{Status: "unhealthy", Message: fmt.Sprintf("%v: %s (attempts %d)", ErrSourceDown, state, h.agent.Conn.Attempts())}
	}
	return Check{Status: healthyStatus}
}

func (h *HealthServer) checkSink() Check {
	state := h.agent.Sink.State()
	if state != SinkConnected {
		return Check{Status: "unhealthy", Message: fmt.Sprintf("%v: %s", ErrSinkNotConnected, state)}
	}
	return Check{Status: healthyStatus}
}

func (h *HealthServer) checkQueue() Check {
	backlog := h.agent.Queue.Backlog()
	if backlog > defaultFetchQueueSize/2 {
		return Check{Status: "degraded", Message: fmt.Sprintf("backlog: %d (high)", backlog)}
	}
	if h.agent.Queue.Idle() {
		return Check{Status: healthyStatus, Message: "idle"}
	}
	return Check{Status: healthyStatus, Message: fmt.Sprintf("backlog: %d", backlog)}
}

func (h *HealthServer) checkBlock() Check {
	block, seen := h.agent.Stats.Block()
	if !seen {
		return Check{Status: "degraded", Message: "no block observed yet"}
	}
	sent := h.agent.Stats.LastBlockSentAt()
	return Check{
		Status:  healthyStatus,
		Message: fmt.Sprintf("block: %d, sent %s ago", block.Number, time.Since(sent).Round(time.Second)),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Error("failed_to_encode_health_response", "err", err)
	}
}
