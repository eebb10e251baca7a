package ocpp16

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateTime OCPP 时间戳。输出统一为 UTC 毫秒精度；输入兼容缺少时区的 ISO8601（按 UTC 处理）。
type DateTime struct {
	time.Time
}

const dateTimeLayout = "2006-01-02T15:04:05.000Z"

var dateTimeInputLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// NewDateTime 包装 time.Time
func NewDateTime(t time.Time) DateTime { return DateTime{Time: t} }

// Now 当前时间
func Now() DateTime { return DateTime{Time: time.Now()} }

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.UTC().Format(dateTimeLayout))
}

func (d *DateTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range dateTimeInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("invalid dateTime %q", s)
}

// ---------- 枚举 ----------

type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

type AuthorizationStatus string

const (
	AuthorizationAccepted     AuthorizationStatus = "Accepted"
	AuthorizationBlocked      AuthorizationStatus = "Blocked"
	AuthorizationExpired      AuthorizationStatus = "Expired"
	AuthorizationInvalid      AuthorizationStatus = "Invalid"
	AuthorizationConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

type ChargePointStatus string

const (
	StatusAvailable     ChargePointStatus = "Available"
	StatusPreparing     ChargePointStatus = "Preparing"
	StatusCharging      ChargePointStatus = "Charging"
	StatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	StatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	StatusFinishing     ChargePointStatus = "Finishing"
	StatusReserved      ChargePointStatus = "Reserved"
	StatusUnavailable   ChargePointStatus = "Unavailable"
	StatusFaulted       ChargePointStatus = "Faulted"
)

type ChargePointErrorCode string

const (
	NoError    ChargePointErrorCode = "NoError"
	OtherError ChargePointErrorCode = "OtherError"
)

type Reason string

const (
	ReasonLocal          Reason = "Local"
	ReasonRemote         Reason = "Remote"
	ReasonReboot         Reason = "Reboot"
	ReasonHardReset      Reason = "HardReset"
	ReasonSoftReset      Reason = "SoftReset"
	ReasonPowerLoss      Reason = "PowerLoss"
	ReasonEVDisconnected Reason = "EVDisconnected"
	ReasonEmergencyStop  Reason = "EmergencyStop"
	ReasonDeAuthorized   Reason = "DeAuthorized"
	ReasonOther          Reason = "Other"
)

type RemoteStartStopStatus string

const (
	RemoteAccepted RemoteStartStopStatus = "Accepted"
	RemoteRejected RemoteStartStopStatus = "Rejected"
)

type ResetType string

const (
	ResetHard ResetType = "Hard"
	ResetSoft ResetType = "Soft"
)

type ResetStatus string

const (
	ResetAccepted ResetStatus = "Accepted"
	ResetRejected ResetStatus = "Rejected"
)

type UnlockStatus string

const (
	Unlocked           UnlockStatus = "Unlocked"
	UnlockFailed       UnlockStatus = "UnlockFailed"
	NotSupportedUnlock UnlockStatus = "NotSupported"
)

type ConfigurationStatus string

const (
	ConfigurationAccepted       ConfigurationStatus = "Accepted"
	ConfigurationRejected       ConfigurationStatus = "Rejected"
	ConfigurationRebootRequired ConfigurationStatus = "RebootRequired"
	ConfigurationNotSupported   ConfigurationStatus = "NotSupported"
)

type DataTransferStatus string

const (
	DataTransferAccepted         DataTransferStatus = "Accepted"
	DataTransferRejected         DataTransferStatus = "Rejected"
	DataTransferUnknownMessageID DataTransferStatus = "UnknownMessageId"
	DataTransferUnknownVendorID  DataTransferStatus = "UnknownVendorId"
)

// 计量项
const (
	MeasurandEnergyActiveImportRegister = "Energy.Active.Import.Register"
	MeasurandPowerActiveImport          = "Power.Active.Import"
	UnitWh                              = "Wh"
	UnitKWh                             = "kWh"
)

// ---------- 充电桩发起 ----------

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	Iccid                   string `json:"iccid,omitempty"`
	Imsi                    string `json:"imsi,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty"`
}

type BootNotificationConfirmation struct {
	Status      RegistrationStatus `json:"status"`
	CurrentTime DateTime           `json:"currentTime"`
	Interval    int                `json:"interval"`
}

type HeartbeatRequest struct{}

type HeartbeatConfirmation struct {
	CurrentTime DateTime `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorID     int                  `json:"connectorId"`
	ErrorCode       ChargePointErrorCode `json:"errorCode"`
	Status          ChargePointStatus    `json:"status"`
	Info            string               `json:"info,omitempty"`
	Timestamp       *DateTime            `json:"timestamp,omitempty"`
	VendorID        string               `json:"vendorId,omitempty"`
	VendorErrorCode string               `json:"vendorErrorCode,omitempty"`
}

type StatusNotificationConfirmation struct{}

type IdTagInfo struct {
	Status      AuthorizationStatus `json:"status"`
	ExpiryDate  *DateTime           `json:"expiryDate,omitempty"`
	ParentIdTag string              `json:"parentIdTag,omitempty"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

type AuthorizeConfirmation struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorID   int      `json:"connectorId"`
	IdTag         string   `json:"idTag"`
	MeterStart    int64    `json:"meterStart"`
	ReservationID *int     `json:"reservationId,omitempty"`
	Timestamp     DateTime `json:"timestamp"`
}

type StartTransactionConfirmation struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionID int64     `json:"transactionId"`
}

type StopTransactionRequest struct {
	IdTag           string       `json:"idTag,omitempty"`
	MeterStop       int64        `json:"meterStop"`
	Timestamp       DateTime     `json:"timestamp"`
	TransactionID   int64        `json:"transactionId"`
	Reason          Reason       `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty"`
}

type StopTransactionConfirmation struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue struct {
	Timestamp    DateTime       `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID *int64       `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type MeterValuesConfirmation struct{}

// EnergyRegister 取出最后一个电能表读数（Wh）。measurand 缺省即为 Energy.Active.Import.Register。
func (r *MeterValuesRequest) EnergyRegister() (wh int64, at time.Time, ok bool) {
	for _, mv := range r.MeterValue {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != MeasurandEnergyActiveImportRegister {
				continue
			}
			v, err := ParseEnergy(sv.Value, sv.Unit)
			if err != nil {
				continue
			}
			wh, at, ok = v, mv.Timestamp.Time, true
		}
	}
	return wh, at, ok
}

// ParseEnergy 解析电能读数并换算为 Wh
func ParseEnergy(value, unit string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("parse energy %q: %w", value, err)
	}
	if unit == UnitKWh {
		f *= 1000
	}
	return int64(math.Round(f)), nil
}

type DataTransferRequest struct {
	VendorID  string `json:"vendorId"`
	MessageID string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

type DataTransferConfirmation struct {
	Status DataTransferStatus `json:"status"`
	Data   string             `json:"data,omitempty"`
}

// ---------- 中央系统发起 ----------

type RemoteStartTransactionRequest struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IdTag       string `json:"idTag"`
}

type RemoteStartTransactionConfirmation struct {
	Status RemoteStartStopStatus `json:"status"`
}

type RemoteStopTransactionRequest struct {
	TransactionID int64 `json:"transactionId"`
}

type RemoteStopTransactionConfirmation struct {
	Status RemoteStartStopStatus `json:"status"`
}

type ResetRequest struct {
	Type ResetType `json:"type"`
}

type ResetConfirmation struct {
	Status ResetStatus `json:"status"`
}

type UnlockConnectorRequest struct {
	ConnectorID int `json:"connectorId"`
}

type UnlockConnectorConfirmation struct {
	Status UnlockStatus `json:"status"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type KeyValue struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationConfirmation struct {
	ConfigurationKey []KeyValue `json:"configurationKey,omitempty"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ChangeConfigurationConfirmation struct {
	Status ConfigurationStatus `json:"status"`
}
