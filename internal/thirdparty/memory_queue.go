package thirdparty

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type queuedEvent struct {
	ev      *StandardEvent
	retries int
}

// MemoryQueue 进程内事件队列（Redis 未启用时使用），进程退出即丢失
type MemoryQueue struct {
	ch     chan queuedEvent
	pusher *Pusher
	cfg    QueueConfig
	wg     sync.WaitGroup
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue(pusher *Pusher, size int, cfg QueueConfig) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		ch:     make(chan queuedEvent, size),
		pusher: pusher,
		cfg:    cfg.withDefaults(),
	}
}

// Publish 非阻塞入队
func (q *MemoryQueue) Publish(_ context.Context, ev *StandardEvent) error {
	select {
	case q.ch <- queuedEvent{ev: ev}:
		return nil
	default:
		q.cfg.Observer.RecordWebhook(string(ev.EventType), "dropped")
		q.cfg.Logger.Warn("event queue full, dropping event",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)))
		return ErrQueueFull
	}
}

// Len 待推送事件数
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Start 启动推送 worker，ctx 取消后退出
func (q *MemoryQueue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	q.cfg.Logger.Info("starting event queue workers", zap.Int("worker_count", workers), zap.String("webhook_url", q.cfg.URL))
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, q.cfg.Logger.With(zap.Int("worker_id", i+1)))
	}
}

// Wait 等待 worker 退出
func (q *MemoryQueue) Wait() { q.wg.Wait() }

func (q *MemoryQueue) worker(ctx context.Context, logger *zap.Logger) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.ch:
			q.process(ctx, item, logger)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, item queuedEvent, logger *zap.Logger) {
	for {
		switch deliver(ctx, q.pusher, q.cfg, item.ev, logger) {
		case delivered:
			return
		case rejected:
			q.dead(item, "client_error")
			return
		}
		if item.retries >= q.cfg.MaxRetries {
			q.dead(item, "max_retries_exceeded")
			return
		}
		if !sleepCtx(ctx, q.cfg.backoff(item.retries)) {
			return
		}
		item.retries++
	}
}

func (q *MemoryQueue) dead(item queuedEvent, reason string) {
	q.cfg.Observer.RecordWebhook(string(item.ev.EventType), "dead")
	q.cfg.Logger.Error("event dropped after delivery failure",
		zap.String("event_id", item.ev.EventID),
		zap.String("event_type", string(item.ev.EventType)),
		zap.Int("retries", item.retries),
		zap.String("reason", reason))
}
