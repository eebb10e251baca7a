package thirdparty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	eventQueueKey = "ocpp:webhook:queue"    // 主队列
	eventDLQKey   = "ocpp:webhook:dlq"      // 死信队列
	eventRetryKey = "ocpp:webhook:retry:%s" // 重试计数（event_id）

	retryTTL = 24 * time.Hour
)

// RedisQueue 基于 Redis List 的事件队列，多实例共享、重启不丢
type RedisQueue struct {
	redis   *redis.Client
	pusher  *Pusher
	deduper *Deduper
	cfg     QueueConfig
	wg      sync.WaitGroup
}

// NewRedisQueue 创建 Redis 事件队列；deduper 为 nil 时不去重
func NewRedisQueue(client *redis.Client, pusher *Pusher, deduper *Deduper, cfg QueueConfig) *RedisQueue {
	return &RedisQueue{redis: client, pusher: pusher, deduper: deduper, cfg: cfg.withDefaults()}
}

// Publish 入队（同一 event_id 在去重 TTL 内只入队一次）
func (q *RedisQueue) Publish(ctx context.Context, ev *StandardEvent) error {
	if q == nil || q.redis == nil {
		return fmt.Errorf("event queue not initialized")
	}
	if q.deduper != nil {
		dup, err := q.deduper.IsDuplicate(ctx, ev.EventID)
		if err != nil {
			q.cfg.Logger.Warn("dedup check failed", zap.String("event_id", ev.EventID), zap.Error(err))
		} else if dup {
			q.cfg.Observer.RecordWebhook(string(ev.EventType), "duplicate")
			return nil
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.redis.RPush(ctx, eventQueueKey, data).Err(); err != nil {
		if q.deduper != nil {
			_ = q.deduper.Forget(ctx, ev.EventID)
		}
		return fmt.Errorf("redis rpush: %w", err)
	}
	q.cfg.Logger.Debug("event enqueued",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("charge_point_id", ev.ChargePointID))
	return nil
}

// Start 启动消费 worker
func (q *RedisQueue) Start(ctx context.Context, workers int) {
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
func (q *RedisQueue) Wait() { q.wg.Wait() }

func (q *RedisQueue) worker(ctx context.Context, logger *zap.Logger) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		result, err := q.redis.BLPop(ctx, 5*time.Second, eventQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Error("redis blpop error", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}
		q.processEvent(ctx, result[1], logger)
	}
}

func (q *RedisQueue) processEvent(ctx context.Context, eventData string, logger *zap.Logger) {
	var ev StandardEvent
	if err := json.Unmarshal([]byte(eventData), &ev); err != nil {
		logger.Error("failed to unmarshal event", zap.Error(err))
		q.moveToDLQ(ctx, eventData, "malformed")
		return
	}

	retries, err := q.retryCount(ctx, ev.EventID)
	if err != nil {
		logger.Warn("failed to get retry count", zap.String("event_id", ev.EventID), zap.Error(err))
	}

	switch deliver(ctx, q.pusher, q.cfg, &ev, logger) {
	case delivered:
		q.redis.Del(ctx, fmt.Sprintf(eventRetryKey, ev.EventID))
		return
	case rejected:
		q.cfg.Observer.RecordWebhook(string(ev.EventType), "dead")
		q.moveToDLQ(ctx, eventData, "client_error")
		return
	}

	if retries >= q.cfg.MaxRetries {
		q.cfg.Observer.RecordWebhook(string(ev.EventType), "dead")
		logger.Warn("event exceeded max retries, moving to DLQ",
			zap.String("event_id", ev.EventID),
			zap.Int("retry_count", retries))
		q.moveToDLQ(ctx, eventData, "max_retries_exceeded")
		return
	}

	key := fmt.Sprintf(eventRetryKey, ev.EventID)
	if err := q.redis.Incr(ctx, key).Err(); err == nil {
		q.redis.Expire(ctx, key, retryTTL)
	}
	if !sleepCtx(ctx, q.cfg.backoff(retries)) {
		// 退出前放回队首，下次启动继续
		q.redis.LPush(context.Background(), eventQueueKey, eventData)
		return
	}
	if err := q.redis.RPush(ctx, eventQueueKey, eventData).Err(); err != nil {
		logger.Error("failed to re-enqueue event", zap.String("event_id", ev.EventID), zap.Error(err))
		q.moveToDLQ(ctx, eventData, "re_enqueue_failed")
	}
}

func (q *RedisQueue) moveToDLQ(ctx context.Context, eventData, reason string) {
	record, err := json.Marshal(map[string]any{
		"event_data": eventData,
		"reason":     reason,
		"timestamp":  time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := q.redis.RPush(ctx, eventDLQKey, record).Err(); err != nil {
		q.cfg.Logger.Error("failed to move event to DLQ", zap.Error(err))
	}
}

func (q *RedisQueue) retryCount(ctx context.Context, eventID string) (int, error) {
	val, err := q.redis.Get(ctx, fmt.Sprintf(eventRetryKey, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(val)
}

// QueueLength 主队列长度
func (q *RedisQueue) QueueLength(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, eventQueueKey).Result()
}

// DLQLength 死信队列长度
func (q *RedisQueue) DLQLength(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, eventDLQKey).Result()
}

// DLQEvents 读取死信（人工处理）
func (q *RedisQueue) DLQEvents(ctx context.Context, start, stop int64) ([]string, error) {
	return q.redis.LRange(ctx, eventDLQKey, start, stop).Result()
}
