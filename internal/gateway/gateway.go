// Package gateway 把 WebSocket 连接接到 endpoint：会话登记、顶替、观测与生命周期回调。
package gateway

import (
	"context"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/centralsystem"
	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/endpoint"
	"github.com/taoyao-code/ocpp-server/internal/periodic"
	"github.com/taoyao-code/ocpp-server/internal/session"
	"github.com/taoyao-code/ocpp-server/internal/transport"
	"go.uber.org/zap"
)

// Hooks 连接生命周期回调（centralsystem.Service 实现）
type Hooks interface {
	OnConnected(ctx context.Context, chargePointID, connID string)
	OnDisconnected(ctx context.Context, chargePointID, connID string, reason error)
}

// SessionObserver 会话指标
type SessionObserver interface {
	RecordSuperseded()
	SetOnline(n int)
}

type nopSessionObserver struct{}

func (nopSessionObserver) RecordSuperseded() {}
func (nopSessionObserver) SetOnline(int)     {}

type nopHooks struct{}

func (nopHooks) OnConnected(context.Context, string, string)           {}
func (nopHooks) OnDisconnected(context.Context, string, string, error) {}

type Registry = session.Registry[*endpoint.Endpoint]

// Gateway 每条连接一个 endpoint，按充电桩ID登记到注册表
type Gateway struct {
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	hooks      Hooks
	observer   SessionObserver
	epOpts     []endpoint.Option
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(g *Gateway) {
		if h != nil {
			g.hooks = h
		}
	}
}

func WithSessionObserver(o SessionObserver) Option {
	return func(g *Gateway) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithEndpointOptions 每条连接的 endpoint 选项（帧观测、关联器/周期任务观测等）
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(g *Gateway) { g.epOpts = append(g.epOpts, opts...) }
}

func New(registry *Registry, d *dispatch.Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		registry:   registry,
		dispatcher: d,
		hooks:      nopHooks{},
		observer:   nopSessionObserver{},
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

// Handler 供 transport.Server 使用
func (g *Gateway) Handler() transport.Handler {
	return func(ctx context.Context, chargePointID string, conn *transport.Conn) {
		g.Serve(ctx, chargePointID, conn)
	}
}

// Serve 运行一条连接直到结束。同ID的旧连接被顶替关闭。
func (g *Gateway) Serve(ctx context.Context, chargePointID string, t endpoint.Transport) error {
	logger := g.logger.With(zap.String("charge_point_id", chargePointID))
	opts := append([]endpoint.Option{endpoint.WithLogger(logger)}, g.epOpts...)
	ep := endpoint.New(chargePointID, t, g.dispatcher, opts...)

	connID, superseded := g.registry.Register(chargePointID, ep)
	if superseded {
		g.observer.RecordSuperseded()
		logger.Info("previous connection superseded", zap.String("conn_id", connID))
	}
	g.observer.SetOnline(g.registry.Count())
	g.hooks.OnConnected(ctx, chargePointID, connID)

	err := ep.Run(ctx)
	ep.Wait()

	g.registry.Unregister(chargePointID, ep)
	g.observer.SetOnline(g.registry.Count())
	// 关停时 ctx 已取消，断开事件仍需送出
	g.hooks.OnDisconnected(context.WithoutCancel(ctx), chargePointID, connID, err)
	logger.Info("charge point disconnected", zap.String("conn_id", connID), zap.Error(err))
	return err
}

// Locate 运营侧下行指令的目标查找
func (g *Gateway) Locate(chargePointID string) (centralsystem.Target, bool) {
	ep, ok := g.registry.Lookup(chargePointID)
	if !ok {
		return nil, false
	}
	return ep, true
}

// OnlineTask 周期刷新在线数（心跳超时的连接不计入）
func (g *Gateway) OnlineTask() periodic.TaskFunc {
	return func(context.Context) error {
		g.observer.SetOnline(g.registry.OnlineCount(g.now()))
		return nil
	}
}
