package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis Key设计
const (
	// ocpp:presence:{chargePointID} -> PresenceRecord JSON
	keyPresencePrefix = "ocpp:presence:"

	// ocpp:server:{serverID}:chargepoints -> Set[chargePointID]
	keyServerPrefix = "ocpp:server:"
)

// RedisPresence 把在线状态写入 Redis，便于多实例部署时查询充电桩连在哪个实例
type RedisPresence struct {
	client   *redis.Client
	serverID string
	ttl      time.Duration
}

// NewRedisPresence ttl 一般为心跳超时的 2 倍
func NewRedisPresence(client *redis.Client, serverID string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if serverID == "" {
		serverID = uuid.New().String()
	}
	return &RedisPresence{client: client, serverID: serverID, ttl: ttl}
}

// ServerID 当前实例ID
func (p *RedisPresence) ServerID() string { return p.serverID }

func (p *RedisPresence) Bind(ctx context.Context, chargePointID, connID string, at time.Time) error {
	rec := &PresenceRecord{
		ChargePointID: chargePointID,
		ConnID:        connID,
		ServerID:      p.serverID,
		ConnectedAt:   at,
		LastSeen:      at,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, keyPresencePrefix+chargePointID, data, p.ttl)
	pipe.SAdd(ctx, p.serverKey(), chargePointID)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) Touch(ctx context.Context, chargePointID string, at time.Time) error {
	rec, err := p.Get(ctx, chargePointID)
	if err != nil || rec == nil {
		return err
	}
	rec.LastSeen = at
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, keyPresencePrefix+chargePointID, data, p.ttl).Err()
}

// Unbind 仅删除与 connID 匹配的记录（WATCH 保证不会误删新连接写入的记录）
func (p *RedisPresence) Unbind(ctx context.Context, chargePointID, connID string) error {
	key := keyPresencePrefix + chargePointID
	err := p.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec PresenceRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return err
		}
		if rec.ConnID != connID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, p.serverKey(), chargePointID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// 并发写入，说明已有新连接
		return nil
	}
	return err
}

// Get 读取记录，不存在时返回 nil, nil
func (p *RedisPresence) Get(ctx context.Context, chargePointID string) (*PresenceRecord, error) {
	val, err := p.client.Get(ctx, keyPresencePrefix+chargePointID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec PresenceRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Cleanup 清理本实例登记的全部记录（优雅关闭时调用）
func (p *RedisPresence) Cleanup(ctx context.Context) error {
	ids, err := p.client.SMembers(ctx, p.serverKey()).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := p.Get(ctx, id)
		if err != nil || rec == nil || rec.ServerID != p.serverID {
			continue
		}
		p.client.Del(ctx, keyPresencePrefix+id)
	}
	return p.client.Del(ctx, p.serverKey()).Err()
}

func (p *RedisPresence) serverKey() string {
	return fmt.Sprintf("%s%s:chargepoints", keyServerPrefix, p.serverID)
}
