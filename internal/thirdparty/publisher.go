package thirdparty

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull 进程内队列已满，事件被丢弃
var ErrQueueFull = errors.New("thirdparty: event queue full")

// Publisher 事件出口（中央系统只依赖这个接口）
type Publisher interface {
	Publish(ctx context.Context, ev *StandardEvent) error
}

// NopPublisher 未配置 webhook 时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *StandardEvent) error { return nil }

// Observer 推送结果观测（result: delivered|retry|rejected|dead|dropped|duplicate）
type Observer interface {
	RecordWebhook(event, result string)
}

type nopObserver struct{}

func (nopObserver) RecordWebhook(string, string) {}

// QueueConfig 队列公共配置
type QueueConfig struct {
	URL        string
	MaxRetries int
	RetryBase  time.Duration // 第 n 次重试等待 RetryBase * 2^n
	Logger     *zap.Logger
	Observer   Observer
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

func (c QueueConfig) backoff(retry int) time.Duration {
	if retry > 6 {
		retry = 6
	}
	return c.RetryBase * time.Duration(1<<uint(retry))
}

type deliveryResult int

const (
	delivered deliveryResult = iota
	retryable
	rejected
)

// deliver 推送一次；返回结果分类供队列决定重试或死信
func deliver(ctx context.Context, p *Pusher, cfg QueueConfig, ev *StandardEvent, logger *zap.Logger) deliveryResult {
	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	code, body, err := p.SendJSON(pushCtx, cfg.URL, ev)
	switch {
	case err != nil || code >= 500:
		logger.Warn("event push failed, will retry",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.Int("status_code", code),
			zap.Error(err))
		cfg.Observer.RecordWebhook(string(ev.EventType), "retry")
		return retryable
	case code >= 400:
		logger.Warn("event push client error",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.Int("status_code", code),
			zap.ByteString("response", body))
		cfg.Observer.RecordWebhook(string(ev.EventType), "rejected")
		return rejected
	default:
		logger.Debug("event pushed",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.Int("status_code", code))
		cfg.Observer.RecordWebhook(string(ev.EventType), "delivered")
		return delivered
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
