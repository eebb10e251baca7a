// Package centralsystem 中央系统业务：充电桩上行动作处理、事务结算、事件推送与运营侧下行指令。
package centralsystem

import (
	"context"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/storage"
	"github.com/taoyao-code/ocpp-server/internal/storage/memory"
	"github.com/taoyao-code/ocpp-server/internal/thirdparty"
	"github.com/taoyao-code/ocpp-server/internal/transaction"
	"go.uber.org/zap"
)

// Observer 业务指标出口（metrics.AppMetrics 实现）
type Observer interface {
	RecordHeartbeat()
	RecordEnergy(wh int64)
	SetActiveTransactions(n int)
	SetLongTransactions(n int)
}

type nopObserver struct{}

func (nopObserver) RecordHeartbeat()          {}
func (nopObserver) RecordEnergy(int64)        {}
func (nopObserver) SetActiveTransactions(int) {}
func (nopObserver) SetLongTransactions(int)   {}

// HeartbeatSink 心跳落点（session.Registry 实现）
type HeartbeatSink interface {
	OnHeartbeat(chargePointID string, t time.Time)
}

// Service 中央系统上行处理
type Service struct {
	tx         *transaction.Manager
	closed     *transaction.ClosedLog
	repo       storage.ChargePointRepo
	publisher  thirdparty.Publisher
	auth       *AuthList
	heartbeats HeartbeatSink
	observer   Observer
	logger     *zap.Logger
	interval   time.Duration
	now        func() time.Time
}

type Option func(*Service)

func WithRepo(r storage.ChargePointRepo) Option {
	return func(s *Service) {
		if r != nil {
			s.repo = r
		}
	}
}

func WithPublisher(p thirdparty.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithAuthList(l *AuthList) Option {
	return func(s *Service) {
		if l != nil {
			s.auth = l
		}
	}
}

func WithHeartbeatSink(h HeartbeatSink) Option {
	return func(s *Service) { s.heartbeats = h }
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHeartbeatInterval BootNotification 下发的心跳间隔
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClosedLog 已结束事务的保留容量
func WithClosedLog(size int) Option {
	return func(s *Service) { s.closed = transaction.NewClosedLog(size) }
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService tx 为空时使用默认事务管理器（ID 从 1000 开始）
func NewService(tx *transaction.Manager, opts ...Option) *Service {
	if tx == nil {
		tx = transaction.NewManager()
	}
	s := &Service{
		tx:        tx,
		closed:    transaction.NewClosedLog(256),
		repo:      memory.New(),
		publisher: thirdparty.NopPublisher{},
		auth:      NewAuthList(),
		observer:  nopObserver{},
		logger:    zap.NewNop(),
		interval:  30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Transactions() *transaction.Manager { return s.tx }
func (s *Service) Closed() *transaction.ClosedLog     { return s.closed }
func (s *Service) Repo() storage.ChargePointRepo      { return s.repo }

// Register 注册全部充电桩上行动作
func (s *Service) Register(d *dispatch.Dispatcher) {
	d.MustRegister(ocpp16.ActionBootNotification, dispatch.Handle(s.bootNotification))
	d.MustRegister(ocpp16.ActionHeartbeat, dispatch.Handle(s.heartbeat))
	d.MustRegister(ocpp16.ActionStatusNotification, dispatch.Handle(s.statusNotification))
	d.MustRegister(ocpp16.ActionAuthorize, dispatch.Handle(s.authorize))
	d.MustRegister(ocpp16.ActionStartTransaction, dispatch.Handle(s.startTransaction))
	d.MustRegister(ocpp16.ActionStopTransaction, dispatch.Handle(s.stopTransaction))
	d.MustRegister(ocpp16.ActionMeterValues, dispatch.Handle(s.meterValues))
	d.MustRegister(ocpp16.ActionDataTransfer, dispatch.Handle(s.dataTransfer))
}

// OnConnected 连接建立：刷新最后在线时间并推送事件
func (s *Service) OnConnected(ctx context.Context, chargePointID, connID string) {
	now := s.now()
	if err := s.repo.TouchChargePoint(ctx, chargePointID, now); err != nil {
		s.logger.Warn("touch charge point failed", zap.String("charge_point_id", chargePointID), zap.Error(err))
	}
	s.publish(ctx, thirdparty.NewEvent(thirdparty.EventChargePointConnected, chargePointID,
		thirdparty.ConnectionData{ConnID: connID, At: now.Unix()}))
}

// OnDisconnected 连接结束（含被顶替）。活动事务保留，等待重连后的 StopTransaction。
func (s *Service) OnDisconnected(ctx context.Context, chargePointID, connID string, reason error) {
	data := thirdparty.ConnectionData{ConnID: connID, At: s.now().Unix()}
	if reason != nil {
		data.Reason = reason.Error()
	}
	s.publish(ctx, thirdparty.NewEvent(thirdparty.EventChargePointDisconnected, chargePointID, data))
}

// publish 推送失败只记日志，不影响 OCPP 应答
func (s *Service) publish(ctx context.Context, ev *thirdparty.StandardEvent) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("charge_point_id", ev.ChargePointID),
			zap.Error(err))
	}
}
