// Package correlator 维护单条连接上的未决 Call，并按消息ID匹配异步应答。
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"go.uber.org/zap"
)

var (
	// ErrTimeout 在超时前未收到应答
	ErrTimeout = errors.New("correlator: call timed out")
	// ErrConnectionClosed 连接关闭（或被新连接顶替）时所有未决调用以此结束
	ErrConnectionClosed = errors.New("correlator: connection closed")
)

// CallError 对端返回的 CallError
type CallError struct {
	Code        ocpp16.ErrorCode
	Description string
	Details     json.RawMessage
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("call error: %s", e.Code)
	}
	return fmt.Sprintf("call error: %s: %s", e.Code, e.Description)
}

// 调用结果标签（供 Observer 使用）
const (
	OutcomeSuccess   = "success"
	OutcomeCallError = "call_error"
	OutcomeTimeout   = "timeout"
	OutcomeClosed    = "closed"
	OutcomeCanceled  = "canceled"
	OutcomeSendError = "send_error"
	OutcomeOrphan    = "orphan"
)

// SendFunc 把编码后的帧写到传输层（由调用方保证串行化）
type SendFunc func(ctx context.Context, frame []byte) error

type Observer interface {
	Record(action, outcome string, elapsed time.Duration)
}

type ObserverFunc func(action, outcome string, elapsed time.Duration)

func (f ObserverFunc) Record(action, outcome string, elapsed time.Duration) {
	if f != nil {
		f(action, outcome, elapsed)
	}
}

func NopObserver() Observer {
	return ObserverFunc(func(string, string, time.Duration) {})
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	id        string
	action    ocpp16.Action
	createdAt time.Time
	slot      chan result
}

// Correlator 未决调用表。谁从表中删除条目，谁负责写结果槽，保证每个调用只结束一次。
type Correlator struct {
	send     SendFunc
	prefix   string
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  error
}

type Option func(*Correlator)

const defaultTimeout = 30 * time.Second

func New(send SendFunc, opts ...Option) *Correlator {
	c := &Correlator{
		send:     send,
		timeout:  defaultTimeout,
		logger:   zap.NewNop(),
		observer: NopObserver(),
		now:      time.Now,
		pending:  make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithIDPrefix 消息ID前缀（如连接ID），便于日志区分
func WithIDPrefix(prefix string) Option {
	return func(c *Correlator) { c.prefix = prefix }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Correlator) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// nextID 单调递增计数器，未决期间不会重复
func (c *Correlator) nextID() string {
	return c.prefix + strconv.FormatUint(c.seq.Add(1), 10)
}

// Call 发送请求并挂起直到应答、超时、ctx 取消或连接关闭。timeout<=0 使用默认值。
func (c *Correlator) Call(ctx context.Context, action ocpp16.Action, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	id := c.nextID()
	call, err := ocpp16.NewCall(id, action, payload)
	if err != nil {
		return nil, err
	}
	frame, err := ocpp16.Encode(call)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{id: id, action: action, createdAt: c.now(), slot: make(chan result, 1)}
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.send(ctx, frame); err != nil {
		if c.take(id) != nil {
			c.observer.Record(string(action), OutcomeSendError, 0)
			return nil, fmt.Errorf("send %s: %w", action, err)
		}
		// 已被 Close 抢先结束
		r := <-p.slot
		return r.payload, r.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.slot:
		return r.payload, r.err
	case <-timer.C:
		if c.take(id) != nil {
			err := fmt.Errorf("%w: %s (id=%s) after %s", ErrTimeout, action, id, timeout)
			c.complete(p, result{err: err}, OutcomeTimeout)
			c.logger.Warn("call timed out",
				zap.String("message_id", id),
				zap.String("action", string(action)),
				zap.Duration("timeout", timeout))
		}
	case <-ctx.Done():
		if c.take(id) != nil {
			c.complete(p, result{err: ctx.Err()}, OutcomeCanceled)
		}
	}
	r := <-p.slot
	return r.payload, r.err
}

// Resolve 把应答交给等待方。无匹配（孤儿应答或迟到应答）时返回 false 并记录告警。
func (c *Correlator) Resolve(msg ocpp16.Message) bool {
	var (
		r       result
		outcome string
	)
	switch m := msg.(type) {
	case *ocpp16.CallResult:
		r.payload = m.Payload
		outcome = OutcomeSuccess
	case *ocpp16.CallError:
		r.err = &CallError{Code: m.ErrorCode, Description: m.ErrorDescription, Details: m.ErrorDetails}
		outcome = OutcomeCallError
	default:
		return false
	}

	p := c.take(msg.ID())
	if p == nil {
		c.observer.Record("", OutcomeOrphan, 0)
		c.logger.Warn("orphaned reply dropped",
			zap.String("message_id", msg.ID()),
			zap.String("type", msg.MessageType().String()))
		return false
	}
	c.complete(p, r, outcome)
	return true
}

// Close 以 ErrConnectionClosed（可包装原因）结束全部未决调用，之后的 Call 立即失败。可重复调用。
func (c *Correlator) Close(reason error) {
	err := closedError(reason)

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = err
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		c.complete(p, result{err: err}, OutcomeClosed)
	}
	if len(pending) > 0 {
		c.logger.Debug("pending calls resolved on close", zap.Int("count", len(pending)), zap.Error(err))
	}
}

// Pending 当前未决调用数
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) complete(p *pendingCall, r result, outcome string) {
	c.observer.Record(string(p.action), outcome, c.now().Sub(p.createdAt))
	p.slot <- r
}

func closedError(reason error) error {
	switch {
	case reason == nil:
		return ErrConnectionClosed
	case errors.Is(reason, ErrConnectionClosed):
		return reason
	default:
		return fmt.Errorf("%w: %v", ErrConnectionClosed, reason)
	}
}
