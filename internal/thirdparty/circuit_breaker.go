package thirdparty

import (
	"errors"
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	StateClosed   State = iota // 正常状态，允许请求通过
	StateOpen                  // 熔断状态，拒绝所有请求
	StateHalfOpen              // 半开状态，允许少量请求试探
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen webhook 端点连续失败，暂停推送
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests 半开状态试探请求已用完
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreaker 保护 webhook 端点的熔断器
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailTime  time.Time
	lastStateTime time.Time
	tripCount     int64

	threshold   int           // 连续失败次数阈值
	timeout     time.Duration // Open → HalfOpen
	halfOpenMax int           // 半开状态最大试探请求数
	now         func() time.Time

	onStateChange func(from, to State)
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:         StateClosed,
		threshold:     threshold,
		timeout:       timeout,
		halfOpenMax:   4,
		now:           time.Now,
		lastStateTime: time.Now(),
	}
}

// Call 执行函数，受熔断器保护
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.timeout {
			cb.transitionTo(StateHalfOpen)
			cb.failureCount = 0
			cb.successCount = 0
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.successCount+cb.failureCount >= cb.halfOpenMax {
			return ErrTooManyRequests
		}
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.lastFailTime = cb.now()
		// 半开状态任何失败立即重新熔断
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failureCount >= cb.threshold) {
			cb.transitionTo(StateOpen)
			cb.tripCount++
		}
		return
	}

	cb.successCount++
	switch cb.state {
	case StateHalfOpen:
		if cb.successCount >= cb.halfOpenMax/2 {
			cb.transitionTo(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		// 阈值按“连续”失败计
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateTime = cb.now()
	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// SetStateChangeCallback 设置状态变化回调（异步执行）
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats 统计信息
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TripCount:       cb.tripCount,
		LastStateChange: cb.lastStateTime,
	}
}

// CircuitBreakerStats 熔断器统计信息
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TripCount       int64     `json:"trip_count"`
	LastStateChange time.Time `json:"last_state_change"`
}
