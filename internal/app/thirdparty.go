package app

import (
	"context"
	"net/http"
	"time"

	cfgpkg "github.com/taoyao-code/ocpp-server/internal/config"
	redisstorage "github.com/taoyao-code/ocpp-server/internal/storage/redis"
	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
	"go.uber.org/zap"
)

// EventQueue 事件推送队列（Redis 或进程内）
type EventQueue interface {
	thirdparty.Publisher
	Start(ctx context.Context, workers int)
	Wait()
}

// NewEventQueue 根据配置创建事件推送队列。
// 未配置 webhook 时返回 NopPublisher 与 nil 队列；Redis 可用时使用持久化队列并开启去重。
func NewEventQueue(
	cfg cfgpkg.PushConfig,
	redisClient *redisstorage.Client,
	observer thirdparty.Observer,
	logger *zap.Logger,
) (thirdparty.Publisher, EventQueue, *thirdparty.Pusher) {
	if cfg.WebhookURL == "" {
		logger.Info("event queue disabled (webhook url empty)")
		return thirdparty.NopPublisher{}, nil, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pusher := thirdparty.NewPusher(&http.Client{Timeout: timeout}, cfg.APIKey, cfg.Secret).
		WithBreaker(thirdparty.NewCircuitBreaker(5, 30*time.Second))

	qcfg := thirdparty.QueueConfig{
		URL:        cfg.WebhookURL,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger.With(zap.String("component", "event_queue")),
		Observer:   observer,
	}

	var queue EventQueue
	if redisClient != nil {
		deduper := thirdparty.NewDeduper(redisClient.Client, logger.With(zap.String("component", "deduper")), 0)
		queue = thirdparty.NewRedisQueue(redisClient.Client, pusher, deduper, qcfg)
		logger.Info("event queue initialized", zap.String("backend", "redis"), zap.String("webhook_url", cfg.WebhookURL))
	} else {
		queue = thirdparty.NewMemoryQueue(pusher, cfg.QueueSize, qcfg)
		logger.Info("event queue initialized", zap.String("backend", "memory"), zap.String("webhook_url", cfg.WebhookURL))
	}
	return queue, queue, pusher
}
