package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPool Redis 健康检查所需的最小接口（storage/redis.Client 满足）
type RedisPool interface {
	HealthCheck(ctx context.Context) error
	Stats() *redis.PoolStats
}

// RedisChecker Redis健康检查器
type RedisChecker struct {
	client RedisPool
}

// NewRedisChecker 创建Redis健康检查器
func NewRedisChecker(client RedisPool) *RedisChecker {
	return &RedisChecker{client: client}
}

// Name 返回检查器名称
func (c *RedisChecker) Name() string {
	return "redis"
}

// Check 执行健康检查
func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.client.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.client.Stats()
	if stats == nil {
		return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
	}

	utilization := 0.0
	if stats.TotalConns > 0 {
		utilization = float64(stats.TotalConns-stats.IdleConns) / float64(stats.TotalConns)
	}

	status := StatusHealthy
	message := "ok"
	if utilization > 0.9 {
		status = StatusDegraded
		message = "connection pool near limit"
	}
	if stats.Misses > stats.Hits && stats.Hits > 0 {
		status = StatusDegraded
		message = "low connection pool hit rate"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"stale_conns": stats.StaleConns,
			"hits":        stats.Hits,
			"misses":      stats.Misses,
			"timeouts":    stats.Timeouts,
			"utilization": fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}
