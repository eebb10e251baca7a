package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool 数据库健康检查所需的最小接口（*pgxpool.Pool 满足）
type DBPool interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// DatabaseChecker 数据库健康检查器
type DatabaseChecker struct {
	pool DBPool
}

// NewDatabaseChecker 创建数据库健康检查器
func NewDatabaseChecker(pool DBPool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

// Name 返回检查器名称
func (c *DatabaseChecker) Name() string {
	return "database"
}

// Check 执行健康检查
func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.pool.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.pool.Stat()
	if stats == nil {
		return CheckResult{Status: StatusHealthy, Message: "ok", Latency: time.Since(start)}
	}

	utilization := 0.0
	if stats.MaxConns() > 0 {
		utilization = float64(stats.AcquiredConns()) / float64(stats.MaxConns())
	}

	status := StatusHealthy
	message := "ok"
	if utilization > 0.9 {
		status = StatusDegraded
		message = "connection pool near limit"
	}
	if utilization >= 1.0 {
		status = StatusUnhealthy
		message = "connection pool exhausted"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"total_conns":    stats.TotalConns(),
			"idle_conns":     stats.IdleConns(),
			"acquired_conns": stats.AcquiredConns(),
			"max_conns":      stats.MaxConns(),
			"utilization":    fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}
