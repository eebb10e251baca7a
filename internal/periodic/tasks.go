package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
)

// ErrSkipped 本周期无事可做（如无活动事务时的电表采样）
var ErrSkipped = errors.New("periodic: skipped")

// Caller 通过关联器发起 Call
type Caller interface {
	Call(ctx context.Context, action ocpp16.Action, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Heartbeat 心跳任务：零载荷 Heartbeat 调用
func Heartbeat(caller Caller) TaskFunc {
	return func(ctx context.Context) error {
		_, err := caller.Call(ctx, ocpp16.ActionHeartbeat, ocpp16.HeartbeatRequest{}, 0)
		return err
	}
}

// Sample 一次电表采样
type Sample struct {
	ConnectorID   int
	TransactionID int64
	ValueWh       int64
	At            time.Time
}

// MeterSource 返回当前处于 Charging 的枪的读数，无活动事务时返回空
type MeterSource interface {
	Samples() []Sample
}

type MeterSourceFunc func() []Sample

func (f MeterSourceFunc) Samples() []Sample { return f() }

// MeterSampler 电表采样任务：每个充电中的枪发送一次 MeterValues
func MeterSampler(source MeterSource, caller Caller) TaskFunc {
	return func(ctx context.Context) error {
		samples := source.Samples()
		if len(samples) == 0 {
			return ErrSkipped
		}
		var errs []error
		for _, s := range samples {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := caller.Call(ctx, ocpp16.ActionMeterValues, MeterValuesRequest(s), 0); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// MeterValuesRequest 把采样转换为 MeterValues 载荷（Energy.Active.Import.Register, Wh）
func MeterValuesRequest(s Sample) ocpp16.MeterValuesRequest {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	txID := s.TransactionID
	return ocpp16.MeterValuesRequest{
		ConnectorID:   s.ConnectorID,
		TransactionID: &txID,
		MeterValue: []ocpp16.MeterValue{{
			Timestamp: ocpp16.NewDateTime(at),
			SampledValue: []ocpp16.SampledValue{{
				Value:     strconv.FormatInt(s.ValueWh, 10),
				Measurand: ocpp16.MeasurandEnergyActiveImportRegister,
				Unit:      ocpp16.UnitWh,
			}},
		}},
	}
}
