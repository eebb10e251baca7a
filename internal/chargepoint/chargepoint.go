// Package chargepoint OCPP 1.6 充电桩模拟器：上电注册、心跳、电表上报、本地/远程启停充电。
package chargepoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taoyao-code/ocpp-server/internal/correlator"
	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/endpoint"
	"github.com/taoyao-code/ocpp-server/internal/periodic"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/transaction"
	"go.uber.org/zap"
)

const (
	taskHeartbeat = "heartbeat"
	taskMeter     = "meter-values"

	defaultHeartbeat = 30 * time.Second
)

var (
	// ErrNotConnected 尚未建立连接
	ErrNotConnected = errors.New("chargepoint: not connected")
	// ErrRejected 中央系统拒绝了 StartTransaction
	ErrRejected = errors.New("chargepoint: start transaction rejected")
	// ErrInvalidConnector 枪号超出范围
	ErrInvalidConnector = errors.New("chargepoint: invalid connector")
)

// Config 模拟器参数
type Config struct {
	ID            string
	Vendor        string
	Model         string
	SerialNumber  string
	Firmware      string
	Connectors    int
	MeterInterval time.Duration
	MeterStepWh   int64 // 充电中每个采样周期增加的电量
	Autostart     bool
	AutostartWait time.Duration
	IdTag         string
	CallTimeout   time.Duration
	ResetDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Vendor == "" {
		c.Vendor = "EV-CMS Test Vendor"
	}
	if c.Model == "" {
		c.Model = "Simulator-v1.0"
	}
	if c.SerialNumber == "" {
		c.SerialNumber = "SIM-" + c.ID
	}
	if c.Firmware == "" {
		c.Firmware = "1.0.0"
	}
	if c.Connectors <= 0 {
		c.Connectors = 1
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = time.Minute
	}
	if c.MeterStepWh <= 0 {
		c.MeterStepWh = 7400
	}
	if c.AutostartWait <= 0 {
		c.AutostartWait = 5 * time.Second
	}
	if c.IdTag == "" {
		c.IdTag = "USER-001"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ResetDelay <= 0 {
		c.ResetDelay = 2 * time.Second
	}
	return c
}

// ChargePoint 单个充电桩。一次 Run 对应一条连接，断线后可以用新的传输再次 Run，事务与电表读数保留。
type ChargePoint struct {
	cfg    Config
	logger *zap.Logger
	tx     *transaction.Manager
	epOpts []endpoint.Option
	now    func() time.Time

	mu            sync.Mutex
	ep            *endpoint.Endpoint
	status        map[int]ocpp16.ChargePointStatus
	meters        map[int]int64
	heartbeat     time.Duration
	meterInterval time.Duration
}

type Option func(*ChargePoint)

func WithLogger(l *zap.Logger) Option {
	return func(c *ChargePoint) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEndpointOptions 透传给每条连接的 endpoint（观测器等）
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(c *ChargePoint) { c.epOpts = append(c.epOpts, opts...) }
}

func WithNow(now func() time.Time) Option {
	return func(c *ChargePoint) { c.now = now }
}

func New(cfg Config, opts ...Option) *ChargePoint {
	cfg = cfg.withDefaults()
	c := &ChargePoint{
		cfg:           cfg,
		logger:        zap.NewNop(),
		now:           time.Now,
		status:        make(map[int]ocpp16.ChargePointStatus, cfg.Connectors),
		meters:        make(map[int]int64, cfg.Connectors),
		heartbeat:     defaultHeartbeat,
		meterInterval: cfg.MeterInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("charge_point_id", cfg.ID))
	c.tx = transaction.NewManager(transaction.WithLogger(c.logger), transaction.WithNow(c.now))
	for i := 1; i <= cfg.Connectors; i++ {
		c.status[i] = ocpp16.StatusAvailable
	}
	return c
}

func (c *ChargePoint) ID() string { return c.cfg.ID }

// Transactions 本地事务状态
func (c *ChargePoint) Transactions() *transaction.Manager { return c.tx }

// Status 枪的最近一次上报状态
func (c *ChargePoint) Status(connectorID int) ocpp16.ChargePointStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[connectorID]
}

// Meter 枪的电能表读数（Wh）
func (c *ChargePoint) Meter(connectorID int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meters[connectorID]
}

func (c *ChargePoint) endpoint() (*endpoint.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep == nil {
		return nil, ErrNotConnected
	}
	return c.ep, nil
}

// Run 在给定传输上运行，直到连接结束或 ctx 取消
func (c *ChargePoint) Run(ctx context.Context, t endpoint.Transport) error {
	d := dispatch.New(dispatch.WithLogger(c.logger))
	c.Register(d)

	opts := append([]endpoint.Option{
		endpoint.WithLogger(c.logger),
		// 每次连接换一个消息ID前缀，重连后旧ID的迟到应答不会误匹配
		endpoint.WithCorrelatorOptions(
			correlator.WithTimeout(c.cfg.CallTimeout),
			correlator.WithIDPrefix(uuid.NewString()[:8]+"-"),
		),
	}, c.epOpts...)
	ep := endpoint.New(c.cfg.ID, t, d, opts...)

	c.mu.Lock()
	c.ep = ep
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ep == ep {
			c.ep = nil
		}
		c.mu.Unlock()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- ep.Run(ctx) }()
	ep.Go(func(ctx context.Context) { c.startup(ctx, ep) })

	err := <-runErr
	ep.Wait()
	return err
}

// startup 注册 → 初始状态 → 周期任务 →（可选）自动开始充电
func (c *ChargePoint) startup(ctx context.Context, ep *endpoint.Endpoint) {
	interval, err := c.Boot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("boot notification failed, using default heartbeat", zap.Error(err))
	}
	c.mu.Lock()
	c.heartbeat = interval
	meterInterval := c.meterInterval
	c.mu.Unlock()

	for i := 1; i <= c.cfg.Connectors; i++ {
		if err := c.SendStatus(ctx, i, c.Status(i)); err != nil {
			c.logger.Warn("initial status notification failed", zap.Int("connector_id", i), zap.Error(err))
		}
	}

	tasks := ep.Tasks()
	if err := tasks.Start(taskHeartbeat, interval, periodic.Heartbeat(ep)); err != nil {
		c.logger.Error("start heartbeat task failed", zap.Error(err))
	}
	if err := tasks.Start(taskMeter, meterInterval, periodic.MeterSampler(c, ep)); err != nil {
		c.logger.Error("start meter task failed", zap.Error(err))
	}

	if c.cfg.Autostart {
		t := time.NewTimer(c.cfg.AutostartWait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, err := c.StartTransaction(ctx, 1, c.cfg.IdTag); err != nil {
			c.logger.Warn("autostart transaction failed", zap.Error(err))
		}
	}
}

// Boot 发送 BootNotification，返回应使用的心跳间隔。被拒绝或失败时为 30s。
func (c *ChargePoint) Boot(ctx context.Context) (time.Duration, error) {
	ep, err := c.endpoint()
	if err != nil {
		return defaultHeartbeat, err
	}
	req := ocpp16.BootNotificationRequest{
		ChargePointVendor:       c.cfg.Vendor,
		ChargePointModel:        c.cfg.Model,
		ChargePointSerialNumber: c.cfg.SerialNumber,
		FirmwareVersion:         c.cfg.Firmware,
	}
	raw, err := ep.Call(ctx, ocpp16.ActionBootNotification, req, 0)
	if err != nil {
		return defaultHeartbeat, err
	}
	var conf ocpp16.BootNotificationConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return defaultHeartbeat, fmt.Errorf("decode boot confirmation: %w", err)
	}
	if conf.Status != ocpp16.RegistrationAccepted {
		c.logger.Warn("boot notification not accepted", zap.String("status", string(conf.Status)))
		return defaultHeartbeat, nil
	}
	interval := time.Duration(conf.Interval) * time.Second
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	c.logger.Info("boot notification accepted", zap.Duration("heartbeat_interval", interval))
	return interval, nil
}

// SendStatus 记录并上报枪状态
func (c *ChargePoint) SendStatus(ctx context.Context, connectorID int, status ocpp16.ChargePointStatus) error {
	c.mu.Lock()
	c.status[connectorID] = status
	c.mu.Unlock()

	ep, err := c.endpoint()
	if err != nil {
		return err
	}
	_, err = ep.Call(ctx, ocpp16.ActionStatusNotification, ocpp16.StatusNotificationRequest{
		ConnectorID: connectorID,
		ErrorCode:   ocpp16.NoError,
		Status:      status,
		Timestamp:   timestamp(c.now()),
	}, 0)
	if err == nil {
		c.logger.Info("status updated", zap.Int("connector_id", connectorID), zap.String("status", string(status)))
	}
	return err
}

// Authorize 查询 idTag 是否可用
func (c *ChargePoint) Authorize(ctx context.Context, idTag string) (ocpp16.IdTagInfo, error) {
	ep, err := c.endpoint()
	if err != nil {
		return ocpp16.IdTagInfo{}, err
	}
	raw, err := ep.Call(ctx, ocpp16.ActionAuthorize, ocpp16.AuthorizeRequest{IdTag: idTag}, 0)
	if err != nil {
		return ocpp16.IdTagInfo{}, err
	}
	var conf ocpp16.AuthorizeConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return ocpp16.IdTagInfo{}, fmt.Errorf("decode authorize confirmation: %w", err)
	}
	return conf.IdTagInfo, nil
}

// StartTransaction Preparing → StartTransaction → Charging。失败或被拒绝时回到 Available。
func (c *ChargePoint) StartTransaction(ctx context.Context, connectorID int, idTag string) (int64, error) {
	if connectorID < 1 || connectorID > c.cfg.Connectors {
		return 0, ErrInvalidConnector
	}
	ep, err := c.endpoint()
	if err != nil {
		return 0, err
	}

	meterStart := c.Meter(connectorID)
	local, err := c.tx.Prepare(c.cfg.ID, connectorID, idTag, meterStart)
	if err != nil {
		return 0, err
	}
	abort := func() {
		_ = c.tx.Abort(local.ID)
		if err := c.SendStatus(ctx, connectorID, ocpp16.StatusAvailable); err != nil {
			c.logger.Debug("status notification failed", zap.Error(err))
		}
	}

	if err := c.SendStatus(ctx, connectorID, ocpp16.StatusPreparing); err != nil {
		c.logger.Warn("preparing status failed", zap.Error(err))
	}

	raw, err := ep.Call(ctx, ocpp16.ActionStartTransaction, ocpp16.StartTransactionRequest{
		ConnectorID: connectorID,
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   ocpp16.NewDateTime(c.now()),
	}, 0)
	if err != nil {
		abort()
		return 0, err
	}
	var conf ocpp16.StartTransactionConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		abort()
		return 0, fmt.Errorf("decode start confirmation: %w", err)
	}
	if conf.IdTagInfo.Status != ocpp16.AuthorizationAccepted || conf.TransactionID == 0 {
		abort()
		return 0, fmt.Errorf("%w: %s", ErrRejected, conf.IdTagInfo.Status)
	}

	tx, err := c.tx.Confirm(local.ID, conf.TransactionID)
	if err != nil {
		abort()
		return 0, err
	}
	c.logger.Info("transaction started",
		zap.Int64("transaction_id", tx.ID),
		zap.Int("connector_id", connectorID),
		zap.String("id_tag", idTag))

	if err := c.SendStatus(ctx, connectorID, ocpp16.StatusCharging); err != nil {
		c.logger.Warn("charging status failed", zap.Error(err))
	}
	return tx.ID, nil
}

// StopTransaction 上报结束并回到 Available。中央系统调用失败时本地事务仍然结束。
func (c *ChargePoint) StopTransaction(ctx context.Context, transactionID int64, reason ocpp16.Reason) error {
	tx, ok := c.tx.Get(transactionID)
	if !ok || tx.Status != transaction.StatusCharging {
		return transaction.ErrUnknownTransaction
	}
	meterStop := c.Meter(tx.ConnectorID)

	var callErr error
	ep, err := c.endpoint()
	if err != nil {
		callErr = err
	} else {
		_, callErr = ep.Call(ctx, ocpp16.ActionStopTransaction, ocpp16.StopTransactionRequest{
			IdTag:         tx.IdTag,
			MeterStop:     meterStop,
			Timestamp:     ocpp16.NewDateTime(c.now()),
			TransactionID: transactionID,
			Reason:        reason,
		}, 0)
	}

	sum, err := c.tx.Stop(transactionID, meterStop, string(reason), c.now())
	if err != nil {
		return err
	}
	c.logger.Info("transaction stopped",
		zap.Int64("transaction_id", transactionID),
		zap.Int64("energy_wh", sum.EnergyConsumed),
		zap.String("reason", string(reason)),
		zap.NamedError("call_error", callErr))

	if err := c.SendStatus(ctx, tx.ConnectorID, ocpp16.StatusAvailable); err != nil {
		c.logger.Debug("available status failed", zap.Error(err))
	}
	return callErr
}

// Samples 供电表采样任务使用：每个充电中的枪读数前进一个步长
func (c *ChargePoint) Samples() []periodic.Sample {
	now := c.now()
	var out []periodic.Sample
	for _, tx := range c.tx.List(c.cfg.ID) {
		if tx.Status != transaction.StatusCharging {
			continue
		}
		c.mu.Lock()
		c.meters[tx.ConnectorID] += c.cfg.MeterStepWh
		value := c.meters[tx.ConnectorID]
		c.mu.Unlock()

		if _, err := c.tx.RecordMeter(tx.ID, value, now); err != nil {
			continue
		}
		out = append(out, periodic.Sample{ConnectorID: tx.ConnectorID, TransactionID: tx.ID, ValueWh: value, At: now})
	}
	return out
}

func timestamp(t time.Time) *ocpp16.DateTime {
	dt := ocpp16.NewDateTime(t)
	return &dt
}
