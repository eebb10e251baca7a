package transport

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter 握手速率限流（Token Bucket），抵御充电桩集中重连风暴
type RateLimiter struct {
	limiter       *rate.Limiter
	ratePerSec    int
	burst         int
	allowedCount  atomic.Int64
	rejectedCount atomic.Int64
}

// NewRateLimiter 创建速率限流器
// ratePerSec: 每秒允许的握手数
// burst: 突发容量（桶的大小）
func NewRateLimiter(ratePerSec int, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}

	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// Allow 检查是否允许（非阻塞）
func (l *RateLimiter) Allow() bool {
	if l.limiter.Allow() {
		l.allowedCount.Add(1)
		return true
	}
	l.rejectedCount.Add(1)
	return false
}

// Stats 获取统计信息
func (l *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		RatePerSecond: l.ratePerSec,
		Burst:         l.burst,
		AllowedTotal:  l.allowedCount.Load(),
		RejectedTotal: l.rejectedCount.Load(),
	}
}

// RateLimiterStats 速率限流器统计信息
type RateLimiterStats struct {
	RatePerSecond int   `json:"rate_per_second"`
	Burst         int   `json:"burst"`
	AllowedTotal  int64 `json:"allowed_total"`
	RejectedTotal int64 `json:"rejected_total"`
}
