package thirdparty

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dedupKeyPrefix = "ocpp:webhook:dedup"

	// DefaultDedupTTL 默认去重TTL（1小时）
	DefaultDedupTTL = time.Hour
)

// Deduper 基于 Redis SETNX 的事件去重
type Deduper struct {
	redis  *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewDeduper 创建去重器
func NewDeduper(redisClient *redis.Client, logger *zap.Logger, ttl time.Duration) *Deduper {
	if ttl == 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{redis: redisClient, logger: logger, ttl: ttl}
}

// IsDuplicate 首次出现返回 false 并占位；TTL 内再次出现返回 true
func (d *Deduper) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	if d == nil || d.redis == nil {
		return false, fmt.Errorf("deduper not initialized")
	}
	if eventID == "" {
		return false, fmt.Errorf("event_id is empty")
	}

	success, err := d.redis.SetNX(ctx, d.buildKey(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !success {
		d.logger.Debug("duplicate event detected", zap.String("event_id", eventID))
	}
	return !success, nil
}

// Forget 删除占位（入队失败时回滚，使后续重试仍可入队）
func (d *Deduper) Forget(ctx context.Context, eventID string) error {
	if d == nil || d.redis == nil {
		return fmt.Errorf("deduper not initialized")
	}
	return d.redis.Del(ctx, d.buildKey(eventID)).Err()
}

func (d *Deduper) buildKey(eventID string) string {
	return fmt.Sprintf("%s:%s", dedupKeyPrefix, eventID)
}
