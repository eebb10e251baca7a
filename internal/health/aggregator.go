package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCheckTimeout 单个检查器的超时
const DefaultCheckTimeout = 3 * time.Second

// Aggregator 健康检查聚合器
type Aggregator struct {
	checkers []Checker
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{
		checkers: checkers,
		timeout:  DefaultCheckTimeout,
	}
}

// SetTimeout 设置单个检查器超时（<=0 不限制）
func (a *Aggregator) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeout = d
}

// AddChecker 添加检查器
func (a *Aggregator) AddChecker(checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers = append(a.checkers, checker)
}

// CheckAll 执行所有健康检查（并发）
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	a.mu.RLock()
	checkers := append([]Checker(nil), a.checkers...)
	timeout := a.timeout
	a.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	resultsMu := sync.Mutex{}
	wg := sync.WaitGroup{}

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			result := runCheck(ctx, c, timeout)

			resultsMu.Lock()
			results[c.Name()] = result
			resultsMu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// runCheck 超时未返回的检查器视为 Unhealthy
func runCheck(ctx context.Context, c Checker, timeout time.Duration) CheckResult {
	if timeout <= 0 {
		return c.Check(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan CheckResult, 1)
	go func() { ch <- c.Check(cctx) }()
	select {
	case r := <-ch:
		return r
	case <-cctx.Done():
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("check timed out: %v", cctx.Err()),
			Latency: time.Since(start),
		}
	}
}

// Overall 由各检查结果推导总体状态
func Overall(results map[string]CheckResult) Status {
	unhealthyCount := 0
	degradedCount := 0

	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			unhealthyCount++
		case StatusDegraded:
			degradedCount++
		}
	}

	// 任何组件Unhealthy，整体Unhealthy
	if unhealthyCount > 0 {
		return StatusUnhealthy
	}
	if degradedCount > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// OverallStatus 计算总体健康状态
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	return Overall(a.CheckAll(ctx))
}

// Report 执行一次检查并生成报告
func (a *Aggregator) Report(ctx context.Context) HealthReport {
	results := a.CheckAll(ctx)
	return HealthReport{
		Status:    Overall(results),
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// Ready 判断系统是否就绪（用于K8s readiness probe）
func (a *Aggregator) Ready(ctx context.Context) bool {
	// Degraded状态仍然就绪，只有Unhealthy才不就绪
	return a.OverallStatus(ctx) != StatusUnhealthy
}

// Alive 判断系统是否存活（用于K8s liveness probe）
func (a *Aggregator) Alive() bool {
	return true
}

// HealthReport 健康报告
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}
