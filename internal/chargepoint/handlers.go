package chargepoint

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/transaction"
	"go.uber.org/zap"
)

// 配置项
const (
	KeyHeartbeatInterval        = "HeartbeatInterval"
	KeyMeterValueSampleInterval = "MeterValueSampleInterval"
	KeyNumberOfConnectors       = "NumberOfConnectors"
)

var configKeys = []string{KeyHeartbeatInterval, KeyMeterValueSampleInterval, KeyNumberOfConnectors}

// Register 注册中央系统下行动作。需要回调中央系统的后续动作放到后台执行，处理器立即应答。
func (c *ChargePoint) Register(d *dispatch.Dispatcher) {
	d.MustRegister(ocpp16.ActionRemoteStartTransaction, dispatch.Handle(c.remoteStart))
	d.MustRegister(ocpp16.ActionRemoteStopTransaction, dispatch.Handle(c.remoteStop))
	d.MustRegister(ocpp16.ActionReset, dispatch.Handle(c.reset))
	d.MustRegister(ocpp16.ActionUnlockConnector, dispatch.Handle(c.unlockConnector))
	d.MustRegister(ocpp16.ActionGetConfiguration, dispatch.Handle(c.getConfiguration))
	d.MustRegister(ocpp16.ActionChangeConfiguration, dispatch.Handle(c.changeConfiguration))
	d.MustRegister(ocpp16.ActionDataTransfer, dispatch.Handle(c.dataTransfer))
}

func (c *ChargePoint) background(fn func(ctx context.Context)) bool {
	ep, err := c.endpoint()
	if err != nil {
		return false
	}
	ep.Go(fn)
	return true
}

func (c *ChargePoint) remoteStart(_ context.Context, _ *dispatch.Request, p *ocpp16.RemoteStartTransactionRequest) (*ocpp16.RemoteStartTransactionConfirmation, error) {
	rejected := &ocpp16.RemoteStartTransactionConfirmation{Status: ocpp16.RemoteRejected}

	connectorID := 1
	if p.ConnectorID != nil {
		connectorID = *p.ConnectorID
	}
	if connectorID < 1 || connectorID > c.cfg.Connectors {
		return rejected, nil
	}
	if _, busy := c.tx.ActiveOn(c.cfg.ID, connectorID); busy {
		c.logger.Info("remote start rejected, connector busy", zap.Int("connector_id", connectorID))
		return rejected, nil
	}

	c.logger.Info("remote start transaction", zap.String("id_tag", p.IdTag), zap.Int("connector_id", connectorID))
	ok := c.background(func(ctx context.Context) {
		if _, err := c.StartTransaction(ctx, connectorID, p.IdTag); err != nil {
			c.logger.Warn("remote start failed", zap.Error(err))
		}
	})
	if !ok {
		return rejected, nil
	}
	return &ocpp16.RemoteStartTransactionConfirmation{Status: ocpp16.RemoteAccepted}, nil
}

func (c *ChargePoint) remoteStop(_ context.Context, _ *dispatch.Request, p *ocpp16.RemoteStopTransactionRequest) (*ocpp16.RemoteStopTransactionConfirmation, error) {
	tx, ok := c.tx.Get(p.TransactionID)
	if !ok || tx.Status != transaction.StatusCharging {
		c.logger.Warn("remote stop for unknown transaction", zap.Int64("transaction_id", p.TransactionID))
		return &ocpp16.RemoteStopTransactionConfirmation{Status: ocpp16.RemoteRejected}, nil
	}
	ok = c.background(func(ctx context.Context) {
		if err := c.StopTransaction(ctx, p.TransactionID, ocpp16.ReasonRemote); err != nil {
			c.logger.Warn("remote stop failed", zap.Int64("transaction_id", p.TransactionID), zap.Error(err))
		}
	})
	if !ok {
		return &ocpp16.RemoteStopTransactionConfirmation{Status: ocpp16.RemoteRejected}, nil
	}
	return &ocpp16.RemoteStopTransactionConfirmation{Status: ocpp16.RemoteAccepted}, nil
}

// reset 结束全部事务（Reboot），枪状态 Unavailable，延时后恢复 Available
func (c *ChargePoint) reset(_ context.Context, _ *dispatch.Request, p *ocpp16.ResetRequest) (*ocpp16.ResetConfirmation, error) {
	c.logger.Info("reset requested", zap.String("type", string(p.Type)))
	ok := c.background(func(ctx context.Context) {
		for _, tx := range c.tx.List(c.cfg.ID) {
			if tx.Status != transaction.StatusCharging {
				continue
			}
			if err := c.StopTransaction(ctx, tx.ID, ocpp16.ReasonReboot); err != nil {
				c.logger.Warn("stop on reset failed", zap.Int64("transaction_id", tx.ID), zap.Error(err))
			}
		}
		for i := 1; i <= c.cfg.Connectors; i++ {
			_ = c.SendStatus(ctx, i, ocpp16.StatusUnavailable)
		}

		t := time.NewTimer(c.cfg.ResetDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for i := 1; i <= c.cfg.Connectors; i++ {
			_ = c.SendStatus(ctx, i, ocpp16.StatusAvailable)
		}
	})
	if !ok {
		return &ocpp16.ResetConfirmation{Status: ocpp16.ResetRejected}, nil
	}
	return &ocpp16.ResetConfirmation{Status: ocpp16.ResetAccepted}, nil
}

func (c *ChargePoint) unlockConnector(_ context.Context, _ *dispatch.Request, p *ocpp16.UnlockConnectorRequest) (*ocpp16.UnlockConnectorConfirmation, error) {
	if p.ConnectorID < 1 || p.ConnectorID > c.cfg.Connectors {
		return &ocpp16.UnlockConnectorConfirmation{Status: ocpp16.NotSupportedUnlock}, nil
	}
	c.logger.Info("connector unlocked", zap.Int("connector_id", p.ConnectorID))
	return &ocpp16.UnlockConnectorConfirmation{Status: ocpp16.Unlocked}, nil
}

func (c *ChargePoint) configValue(key string) (ocpp16.KeyValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v string
	readonly := false
	switch key {
	case KeyHeartbeatInterval:
		v = strconv.Itoa(int(c.heartbeat / time.Second))
	case KeyMeterValueSampleInterval:
		v = strconv.Itoa(int(c.meterInterval / time.Second))
	case KeyNumberOfConnectors:
		v = strconv.Itoa(c.cfg.Connectors)
		readonly = true
	default:
		return ocpp16.KeyValue{}, false
	}
	return ocpp16.KeyValue{Key: key, Readonly: readonly, Value: &v}, true
}

func (c *ChargePoint) getConfiguration(_ context.Context, _ *dispatch.Request, p *ocpp16.GetConfigurationRequest) (*ocpp16.GetConfigurationConfirmation, error) {
	keys := p.Key
	if len(keys) == 0 {
		keys = configKeys
	}
	conf := &ocpp16.GetConfigurationConfirmation{}
	for _, k := range keys {
		if kv, ok := c.configValue(k); ok {
			conf.ConfigurationKey = append(conf.ConfigurationKey, kv)
		} else {
			conf.UnknownKey = append(conf.UnknownKey, k)
		}
	}
	return conf, nil
}

// changeConfiguration 心跳与采样间隔修改后立即作用于运行中的周期任务
func (c *ChargePoint) changeConfiguration(_ context.Context, _ *dispatch.Request, p *ocpp16.ChangeConfigurationRequest) (*ocpp16.ChangeConfigurationConfirmation, error) {
	status := func(s ocpp16.ConfigurationStatus) (*ocpp16.ChangeConfigurationConfirmation, error) {
		c.logger.Info("change configuration", zap.String("key", p.Key), zap.String("value", p.Value), zap.String("status", string(s)))
		return &ocpp16.ChangeConfigurationConfirmation{Status: s}, nil
	}

	if !slices.Contains(configKeys, p.Key) {
		return status(ocpp16.ConfigurationNotSupported)
	}
	if p.Key == KeyNumberOfConnectors {
		return status(ocpp16.ConfigurationRejected)
	}
	secs, err := strconv.Atoi(p.Value)
	if err != nil || secs <= 0 {
		return status(ocpp16.ConfigurationRejected)
	}
	d := time.Duration(secs) * time.Second

	task := taskHeartbeat
	c.mu.Lock()
	if p.Key == KeyHeartbeatInterval {
		c.heartbeat = d
	} else {
		c.meterInterval = d
		task = taskMeter
	}
	ep := c.ep
	c.mu.Unlock()

	if ep != nil {
		ep.Tasks().SetInterval(task, d)
	}
	return status(ocpp16.ConfigurationAccepted)
}

func (c *ChargePoint) dataTransfer(_ context.Context, _ *dispatch.Request, p *ocpp16.DataTransferRequest) (*ocpp16.DataTransferConfirmation, error) {
	c.logger.Info("data transfer", zap.String("vendor_id", p.VendorID), zap.String("message_id", p.MessageID))
	return &ocpp16.DataTransferConfirmation{Status: ocpp16.DataTransferUnknownVendorID}, nil
}
