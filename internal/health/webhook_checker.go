package health

import (
	"context"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
)

// WebhookChecker 事件推送熔断状态。熔断只影响事件外发，不影响充电桩服务，故最多 Degraded。
type WebhookChecker struct {
	breaker *thirdparty.CircuitBreaker
}

func NewWebhookChecker(breaker *thirdparty.CircuitBreaker) *WebhookChecker {
	return &WebhookChecker{breaker: breaker}
}

func (c *WebhookChecker) Name() string {
	return "webhook"
}

func (c *WebhookChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	stats := c.breaker.Stats()

	status := StatusHealthy
	message := "ok"
	switch c.breaker.State() {
	case thirdparty.StateOpen:
		status = StatusDegraded
		message = "webhook circuit open"
	case thirdparty.StateHalfOpen:
		status = StatusDegraded
		message = "webhook circuit probing"
	}
	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"circuit_state": stats.State,
			"failures":      stats.FailureCount,
			"trips":         stats.TripCount,
		},
		Latency: time.Since(start),
	}
}
