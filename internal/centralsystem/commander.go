package centralsystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"go.uber.org/zap"
)

var (
	// ErrTargetNotConnected 目标充电桩当前无活动连接
	ErrTargetNotConnected = errors.New("centralsystem: target not connected")
	// ErrNotRemoteAction 动作不能由中央系统发起
	ErrNotRemoteAction = errors.New("centralsystem: not a central system action")
)

// Target 可下发 Call 的连接（endpoint.Endpoint 实现）
type Target interface {
	Call(ctx context.Context, action ocpp16.Action, payload any, timeout time.Duration) (json.RawMessage, error)
}

// LocatorFunc 按充电桩ID查找活动连接
type LocatorFunc func(chargePointID string) (Target, bool)

// Commander 运营侧下行指令
type Commander struct {
	locate  LocatorFunc
	timeout time.Duration
	logger  *zap.Logger
}

func NewCommander(locate LocatorFunc, timeout time.Duration, logger *zap.Logger) *Commander {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Commander{locate: locate, timeout: timeout, logger: logger}
}

// Call 下发任意中央系统发起的动作并等待应答。
// timeout<=0 使用默认超时。错误为 ErrTargetNotConnected、correlator.ErrTimeout、
// *correlator.CallError 或连接关闭。
func (c *Commander) Call(ctx context.Context, chargePointID string, action ocpp16.Action, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !action.InitiatedByCentralSystem() {
		return nil, fmt.Errorf("%w: %s", ErrNotRemoteAction, action)
	}
	target, ok := c.locate(chargePointID)
	if !ok {
		return nil, ErrTargetNotConnected
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	start := time.Now()
	res, err := target.Call(ctx, action, payload, timeout)
	if err != nil {
		c.logger.Warn("remote command failed",
			zap.String("charge_point_id", chargePointID),
			zap.String("action", string(action)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	c.logger.Info("remote command done",
		zap.String("charge_point_id", chargePointID),
		zap.String("action", string(action)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func call[Conf any](ctx context.Context, c *Commander, chargePointID string, action ocpp16.Action, payload any) (*Conf, error) {
	raw, err := c.Call(ctx, chargePointID, action, payload, 0)
	if err != nil {
		return nil, err
	}
	var conf Conf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, fmt.Errorf("decode %s confirmation: %w", action, err)
	}
	return &conf, nil
}

// RemoteStartTransaction connectorID<=0 时由充电桩自行选枪
func (c *Commander) RemoteStartTransaction(ctx context.Context, chargePointID string, connectorID int, idTag string) (*ocpp16.RemoteStartTransactionConfirmation, error) {
	req := ocpp16.RemoteStartTransactionRequest{IdTag: idTag}
	if connectorID > 0 {
		req.ConnectorID = &connectorID
	}
	return call[ocpp16.RemoteStartTransactionConfirmation](ctx, c, chargePointID, ocpp16.ActionRemoteStartTransaction, req)
}

func (c *Commander) RemoteStopTransaction(ctx context.Context, chargePointID string, transactionID int64) (*ocpp16.RemoteStopTransactionConfirmation, error) {
	req := ocpp16.RemoteStopTransactionRequest{TransactionID: transactionID}
	return call[ocpp16.RemoteStopTransactionConfirmation](ctx, c, chargePointID, ocpp16.ActionRemoteStopTransaction, req)
}

func (c *Commander) Reset(ctx context.Context, chargePointID string, typ ocpp16.ResetType) (*ocpp16.ResetConfirmation, error) {
	return call[ocpp16.ResetConfirmation](ctx, c, chargePointID, ocpp16.ActionReset, ocpp16.ResetRequest{Type: typ})
}

func (c *Commander) UnlockConnector(ctx context.Context, chargePointID string, connectorID int) (*ocpp16.UnlockConnectorConfirmation, error) {
	req := ocpp16.UnlockConnectorRequest{ConnectorID: connectorID}
	return call[ocpp16.UnlockConnectorConfirmation](ctx, c, chargePointID, ocpp16.ActionUnlockConnector, req)
}

func (c *Commander) GetConfiguration(ctx context.Context, chargePointID string, keys ...string) (*ocpp16.GetConfigurationConfirmation, error) {
	req := ocpp16.GetConfigurationRequest{Key: keys}
	return call[ocpp16.GetConfigurationConfirmation](ctx, c, chargePointID, ocpp16.ActionGetConfiguration, req)
}

func (c *Commander) ChangeConfiguration(ctx context.Context, chargePointID, key, value string) (*ocpp16.ChangeConfigurationConfirmation, error) {
	req := ocpp16.ChangeConfigurationRequest{Key: key, Value: value}
	return call[ocpp16.ChangeConfigurationConfirmation](ctx, c, chargePointID, ocpp16.ActionChangeConfiguration, req)
}
