package session

import (
	"context"
	"time"
)

// PresenceRecord 跨实例可见的在线记录
type PresenceRecord struct {
	ChargePointID string    `json:"charge_point_id"`
	ConnID        string    `json:"conn_id"`
	ServerID      string    `json:"server_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Presence 在线状态镜像，本地 Registry 仍是唯一的连接归属
type Presence interface {
	Bind(ctx context.Context, chargePointID, connID string, at time.Time) error
	Touch(ctx context.Context, chargePointID string, at time.Time) error
	Unbind(ctx context.Context, chargePointID, connID string) error
	Get(ctx context.Context, chargePointID string) (*PresenceRecord, error)
}

// NopPresence 未启用 Redis 时使用
type NopPresence struct{}

func (NopPresence) Bind(context.Context, string, string, time.Time) error { return nil }
func (NopPresence) Touch(context.Context, string, time.Time) error        { return nil }
func (NopPresence) Unbind(context.Context, string, string) error          { return nil }
func (NopPresence) Get(context.Context, string) (*PresenceRecord, error)  { return nil, nil }
