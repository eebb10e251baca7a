package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/ocpp-server/internal/storage"
	"github.com/taoyao-code/ocpp-server/internal/storage/models"
)

// Repository 基于 GORM 的 ChargePointRepo 实现
type Repository struct {
	db *gorm.DB
}

var _ storage.ChargePointRepo = (*Repository)(nil)

// New 返回一个使用给定 *gorm.DB 的仓储实例
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// UpsertChargePoint 冲突时覆盖型号信息并刷新 booted_at/last_seen_at
func (r *Repository) UpsertChargePoint(ctx context.Context, cp *models.ChargePoint) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"vendor":           gorm.Expr("excluded.vendor"),
				"model":            gorm.Expr("excluded.model"),
				"serial_number":    gorm.Expr("excluded.serial_number"),
				"firmware_version": gorm.Expr("excluded.firmware_version"),
				"iccid":            gorm.Expr("excluded.iccid"),
				"imsi":             gorm.Expr("excluded.imsi"),
				"booted_at":        gorm.Expr("excluded.booted_at"),
				"last_seen_at":     gorm.Expr("excluded.last_seen_at"),
				"updated_at":       gorm.Expr("NOW()"),
			}),
		}).
		Create(cp).Error
}

// TouchChargePoint 刷新 last_seen_at（不存在则插入）
func (r *Repository) TouchChargePoint(ctx context.Context, id string, at time.Time) error {
	ts := at
	record := &models.ChargePoint{
		ID:         id,
		LastSeenAt: &ts,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_seen_at": gorm.Expr("excluded.last_seen_at"),
				"updated_at":   gorm.Expr("NOW()"),
			}),
		}).
		Create(record).Error
}

// GetChargePoint 通过充电桩标识查询
func (r *Repository) GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error) {
	var cp models.ChargePoint
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListChargePoints 分页返回充电桩列表
func (r *Repository) ListChargePoints(ctx context.Context, limit, offset int) ([]models.ChargePoint, error) {
	var cps []models.ChargePoint
	q := r.db.WithContext(ctx).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&cps).Error; err != nil {
		return nil, err
	}
	return cps, nil
}

// UpsertConnector 写入枪口快照，冲突时更新状态/错误码/时间
func (r *Repository) UpsertConnector(ctx context.Context, c *models.Connector) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "charge_point_id"}, {Name: "connector_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"status":            gorm.Expr("excluded.status"),
				"error_code":        gorm.Expr("excluded.error_code"),
				"info":              gorm.Expr("excluded.info"),
				"vendor_error_code": gorm.Expr("excluded.vendor_error_code"),
				"updated_at":        gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(c).Error
}

// ListConnectors 列出充电桩全部枪口
func (r *Repository) ListConnectors(ctx context.Context, chargePointID string) ([]models.Connector, error) {
	var cs []models.Connector
	err := r.db.WithContext(ctx).
		Where("charge_point_id = ?", chargePointID).
		Order("connector_id ASC").
		Find(&cs).Error
	if err != nil {
		return nil, err
	}
	return cs, nil
}
