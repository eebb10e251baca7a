package thirdparty

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// EventChargePointBooted 充电桩 BootNotification 被接受
	EventChargePointBooted EventType = "chargepoint.booted"
	// EventChargePointConnected 充电桩建立连接
	EventChargePointConnected EventType = "chargepoint.connected"
	// EventChargePointDisconnected 充电桩断开（含被同ID重连顶替）
	EventChargePointDisconnected EventType = "chargepoint.disconnected"
	// EventConnectorStatusChanged 枪状态变化（StatusNotification）
	EventConnectorStatusChanged EventType = "connector.status_changed"
	// EventTransactionStarted 充电开始
	EventTransactionStarted EventType = "transaction.started"
	// EventTransactionStopped 充电结束并结算电量
	EventTransactionStopped EventType = "transaction.stopped"
	// EventMeterAnomaly 电表读数回退或结算电量为负
	EventMeterAnomaly EventType = "meter.anomaly"
)

// StandardEvent 标准事件结构
type StandardEvent struct {
	EventID       string    `json:"event_id"` // 事件唯一ID（用于去重）
	EventType     EventType `json:"event_type"`
	ChargePointID string    `json:"charge_point_id"`
	Timestamp     int64     `json:"timestamp"` // Unix秒
	Nonce         string    `json:"nonce"`
	Data          any       `json:"data"`
}

// NewEvent 创建标准事件，事件ID随机生成
func NewEvent(eventType EventType, chargePointID string, data any) *StandardEvent {
	return NewEventWithID(uuid.NewString(), eventType, chargePointID, data)
}

// NewEventWithID 以确定性ID创建事件（同一业务事实重复上报时可被去重）
func NewEventWithID(id string, eventType EventType, chargePointID string, data any) *StandardEvent {
	now := time.Now()
	return &StandardEvent{
		EventID:       id,
		EventType:     eventType,
		ChargePointID: chargePointID,
		Timestamp:     now.Unix(),
		Nonce:         fmt.Sprintf("%08x", uint32(now.UnixNano())),
		Data:          data,
	}
}

// TransactionEventID 事务类事件的确定性ID
func TransactionEventID(eventType EventType, chargePointID string, transactionID int64) string {
	return fmt.Sprintf("%s:%s:%d", eventType, chargePointID, transactionID)
}

// ChargePointBootedData 注册事件数据
type ChargePointBootedData struct {
	Vendor          string `json:"vendor"`
	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	BootedAt        int64  `json:"booted_at"`
}

// ConnectionData 连接/断开事件数据
type ConnectionData struct {
	ConnID string `json:"conn_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	At     int64  `json:"at"`
}

// ConnectorStatusData 枪状态事件数据
type ConnectorStatusData struct {
	ConnectorID     int    `json:"connector_id"`
	Status          string `json:"status"`
	ErrorCode       string `json:"error_code"`
	Info            string `json:"info,omitempty"`
	VendorErrorCode string `json:"vendor_error_code,omitempty"`
	ChangedAt       int64  `json:"changed_at"`
}

// TransactionStartedData 充电开始事件数据
type TransactionStartedData struct {
	TransactionID int64  `json:"transaction_id"`
	ConnectorID   int    `json:"connector_id"`
	IdTag         string `json:"id_tag"`
	MeterStartWh  int64  `json:"meter_start_wh"`
	StartedAt     int64  `json:"started_at"`
}

// TransactionStoppedData 充电结束事件数据
type TransactionStoppedData struct {
	TransactionID int64  `json:"transaction_id"`
	ConnectorID   int    `json:"connector_id"`
	IdTag         string `json:"id_tag"`
	MeterStartWh  int64  `json:"meter_start_wh"`
	MeterStopWh   int64  `json:"meter_stop_wh"`
	EnergyWh      int64  `json:"energy_wh"`
	Reason        string `json:"reason,omitempty"`
	DurationSec   int64  `json:"duration_sec"`
	Anomalous     bool   `json:"anomalous"`
	StoppedAt     int64  `json:"stopped_at"`
}

// MeterAnomalyData 电表异常事件数据
type MeterAnomalyData struct {
	TransactionID int64 `json:"transaction_id"`
	PreviousWh    int64 `json:"previous_wh"`
	ReportedWh    int64 `json:"reported_wh"`
	At            int64 `json:"at"`
}
