// Package periodic 按连接运行可独立取消的周期任务（心跳、电表采样、监控巡检）。
package periodic

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed          = errors.New("periodic: coordinator closed")
	ErrInvalidInterval = errors.New("periodic: interval must be positive")
)

// TaskFunc 单次执行；返回错误只记录日志，不影响后续调度
type TaskFunc func(ctx context.Context) error

type Observer interface {
	Record(task, outcome string)
}

type ObserverFunc func(task, outcome string)

func (f ObserverFunc) Record(task, outcome string) {
	if f != nil {
		f(task, outcome)
	}
}

type task struct {
	name     string
	fn       TaskFunc
	interval chan time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Coordinator 周期任务集合。Close 返回后不会再有任何任务被执行。
type Coordinator struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	tasks  map[string]*task
	closed bool

	logger   *zap.Logger
	observer Observer
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewCoordinator parent 取消等同于 Close
func NewCoordinator(parent context.Context, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
		logger:   zap.NewNop(),
		observer: ObserverFunc(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 启动任务，同名任务先停止再替换。首次执行在一个周期之后。
func (c *Coordinator) Start(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	c.Stop(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(c.ctx)
	t := &task{
		name:     name,
		fn:       fn,
		interval: make(chan time.Duration, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.tasks[name] = t
	go c.run(ctx, t, interval)

	c.logger.Debug("periodic task started", zap.String("task", name), zap.Duration("interval", interval))
	return nil
}

// SetInterval 调整运行中任务的周期，从下一次计时开始生效
func (c *Coordinator) SetInterval(name string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	c.mu.Lock()
	t, ok := c.tasks[name]
	c.mu.Unlock()
	if !ok {
		return false
	}
	// 只保留最新的周期
	select {
	case <-t.interval:
	default:
	}
	select {
	case t.interval <- interval:
	default:
	}
	return true
}

// Stop 停止任务并等待其退出
func (c *Coordinator) Stop(name string) bool {
	c.mu.Lock()
	t, ok := c.tasks[name]
	if ok {
		delete(c.tasks, name)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// Running 任务是否在运行
func (c *Coordinator) Running(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[name]
	return ok
}

// Names 运行中的任务名
func (c *Coordinator) Names() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.tasks))
	for n := range c.tasks {
		names = append(names, n)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// Close 取消全部任务并等待退出，可重复调用
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	tasks := c.tasks
	c.tasks = make(map[string]*task)
	c.mu.Unlock()

	c.cancel()
	for _, t := range tasks {
		<-t.done
	}
}

func (c *Coordinator) run(ctx context.Context, t *task, interval time.Duration) {
	defer close(t.done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-t.interval:
			interval = d
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			// 先重置再执行，单次执行耗时不推迟后续节拍
			timer.Reset(interval)
			c.execute(ctx, t)
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, t *task) {
	err := t.fn(ctx)
	switch {
	case err == nil:
		c.observer.Record(t.name, "ok")
	case errors.Is(err, ErrSkipped):
		c.observer.Record(t.name, "skipped")
	case ctx.Err() != nil:
		// 正在关闭
	default:
		c.observer.Record(t.name, "error")
		c.logger.Warn("periodic task failed", zap.String("task", t.name), zap.Error(err))
	}
}
