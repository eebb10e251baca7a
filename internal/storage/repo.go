package storage

import (
	"context"
	"errors"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/storage/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("storage: not found")

// ChargePointRepo 充电桩档案与枪口状态的存储抽象。
// 约束：
// - 上层不直接写 SQL，统一通过本接口访问
// - 接口保持 DB-agnostic（面向模型与基础类型）
type ChargePointRepo interface {
	// UpsertChargePoint BootNotification 写入/覆盖档案，刷新 booted_at 与 last_seen_at
	UpsertChargePoint(ctx context.Context, cp *models.ChargePoint) error
	// TouchChargePoint 刷新 last_seen_at（不存在则创建空档案）
	TouchChargePoint(ctx context.Context, id string, at time.Time) error
	// GetChargePoint 不存在返回 ErrNotFound
	GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error)
	// ListChargePoints 按 id 升序分页
	ListChargePoints(ctx context.Context, limit, offset int) ([]models.ChargePoint, error)

	// UpsertConnector StatusNotification 写入枪口最新状态
	UpsertConnector(ctx context.Context, c *models.Connector) error
	// ListConnectors 按枪口号升序
	ListConnectors(ctx context.Context, chargePointID string) ([]models.Connector, error)
}
