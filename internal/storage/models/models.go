package models

import (
	"time"
)

// 注意：
// - 保持与 db/migrations 对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt

// ChargePoint 映射 charge_points 表
type ChargePoint struct {
	// 充电桩标识（WebSocket 路径最后一段）
	ID              string     `gorm:"column:id;type:varchar(48);primaryKey" json:"id"`
	Vendor          string     `gorm:"column:vendor;type:text;not null;default:''" json:"vendor"`
	Model           string     `gorm:"column:model;type:text;not null;default:''" json:"model"`
	SerialNumber    *string    `gorm:"column:serial_number;type:text" json:"serial_number,omitempty"`
	FirmwareVersion *string    `gorm:"column:firmware_version;type:text" json:"firmware_version,omitempty"`
	Iccid           *string    `gorm:"column:iccid;type:text" json:"iccid,omitempty"`
	Imsi            *string    `gorm:"column:imsi;type:text" json:"imsi,omitempty"`
	BootedAt        *time.Time `gorm:"column:booted_at" json:"booted_at,omitempty"`
	LastSeenAt      *time.Time `gorm:"column:last_seen_at" json:"last_seen_at,omitempty"`
	// 审计字段
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ChargePoint) TableName() string { return "charge_points" }

// Connector 映射 connectors 表（复合主键：charge_point_id + connector_id）。
// connector_id=0 表示整桩状态。
type Connector struct {
	ChargePointID   string    `gorm:"column:charge_point_id;type:varchar(48);primaryKey" json:"charge_point_id"`
	ConnectorID     int       `gorm:"column:connector_id;primaryKey;autoIncrement:false" json:"connector_id"`
	Status          string    `gorm:"column:status;type:varchar(32);not null" json:"status"`
	ErrorCode       string    `gorm:"column:error_code;type:varchar(64);not null;default:'NoError'" json:"error_code"`
	Info            *string   `gorm:"column:info;type:text" json:"info,omitempty"`
	VendorErrorCode *string   `gorm:"column:vendor_error_code;type:text" json:"vendor_error_code,omitempty"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Connector) TableName() string { return "connectors" }

// MessageLog 映射 message_log 表（OCPP 帧审计，由 pg.FrameLog 批量写入）
type MessageLog struct {
	ID            int64     `json:"id"`
	ChargePointID string    `json:"charge_point_id"`
	Direction     string    `json:"direction"` // in | out
	MessageType   int16     `json:"message_type"`
	MessageID     string    `json:"message_id"`
	Action        string    `json:"action,omitempty"`
	Payload       string    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}
