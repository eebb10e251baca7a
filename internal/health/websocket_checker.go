package health

import (
	"context"
	"fmt"
	"time"
)

// ConnectionStats WebSocket 接入层统计（transport.ConnectionLimiter 满足）
type ConnectionStats interface {
	Current() int
	MaxConnections() int
}

// WebSocketChecker 充电桩接入层健康检查器
type WebSocketChecker struct {
	conns  ConnectionStats
	online func() int
}

// NewWebSocketChecker online 可为 nil
func NewWebSocketChecker(conns ConnectionStats, online func() int) *WebSocketChecker {
	return &WebSocketChecker{conns: conns, online: online}
}

func (c *WebSocketChecker) Name() string {
	return "websocket"
}

func (c *WebSocketChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	active := c.conns.Current()
	maxConns := c.conns.MaxConnections()
	details := map[string]any{
		"active_connections": active,
	}
	if c.online != nil {
		details["online_charge_points"] = c.online()
	}

	if maxConns <= 0 {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "no limiting enabled",
			Details: details,
			Latency: time.Since(start),
		}
	}

	utilization := float64(active) / float64(maxConns)
	status := StatusHealthy
	message := "ok"
	if utilization > 0.8 {
		status = StatusDegraded
		message = "high connection usage"
	}
	if utilization > 0.95 {
		status = StatusUnhealthy
		message = "connection limit near exhausted"
	}

	details["max_connections"] = maxConns
	details["utilization"] = fmt.Sprintf("%.1f%%", utilization*100)
	return CheckResult{
		Status:  status,
		Message: message,
		Details: details,
		Latency: time.Since(start),
	}
}
