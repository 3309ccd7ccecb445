package limiter

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

const (
	DefaultRPS       = 50 // 单节点 RPC 默认上限
	DefaultBurstSize = 10
	MaxRPS           = 1000
)

// RateLimiter 令牌桶，所有发往节点的 RPC 调用都先经过它
type RateLimiter struct {
	limiter *rate.Limiter
	rps     int
}

// NewRateLimiter 创建限流器；非法值回落到默认值，过大的值被截断
func NewRateLimiter(rps int) *RateLimiter {
	switch {
	case rps <= 0:
		rps = DefaultRPS
	case rps > MaxRPS:
		slog.Warn("rpc_rate_limit_clamped",
			"requested_rps", rps,
			"forced_rps", MaxRPS)
		rps = MaxRPS
	}

	burst := DefaultBurstSize
	if rps < burst {
		burst = rps
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
	}
}

// Wait 阻塞直到获取令牌（或上下文取消）
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// RPS 返回当前配置的上限
func (rl *RateLimiter) RPS() int {
	return rl.rps
}

// Burst 返回突发容量
func (rl *RateLimiter) Burst() int {
	return rl.limiter.Burst()
}
