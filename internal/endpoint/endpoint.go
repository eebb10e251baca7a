// Package endpoint 单条 OCPP 连接的工作单元：读循环按序分派入站 Call，
// 应答交给关联器，发送经互斥锁串行化，关闭时统一回收周期任务与未决调用。
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taoyao-code/ocpp-server/internal/correlator"
	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/periodic"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/session"
	"go.uber.org/zap"
)

// ErrTransportClosed 传输层已关闭
var ErrTransportClosed = errors.New("endpoint: transport closed")

// Transport 整帧收发的双向传输（WebSocket 或内存管道）
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Direction 帧方向
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Observer 帧级观测（审计日志、指标）
type Observer interface {
	Frame(chargePointID string, dir Direction, raw []byte)
	Malformed(chargePointID string, raw []byte, err error)
}

// NopObserver 空实现
type NopObserver struct{}

func (NopObserver) Frame(string, Direction, []byte) {}
func (NopObserver) Malformed(string, []byte, error) {}

type multiObserver []Observer

func (m multiObserver) Frame(id string, dir Direction, raw []byte) {
	for _, o := range m {
		o.Frame(id, dir, raw)
	}
}

func (m multiObserver) Malformed(id string, raw []byte, err error) {
	for _, o := range m {
		o.Malformed(id, raw, err)
	}
}

// Observers 组合多个观测者
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// Endpoint 一条连接
type Endpoint struct {
	chargePointID string
	transport     Transport
	dispatcher    *dispatch.Dispatcher
	corr          *correlator.Correlator
	tasks         *periodic.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	bgMu     sync.Mutex
	bgClosed bool
	bg       sync.WaitGroup

	logger   *zap.Logger
	observer Observer
}

type Option func(*config)

type config struct {
	logger       *zap.Logger
	observer     Observer
	corrOpts     []correlator.Option
	periodicOpts []periodic.Option
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCorrelatorOptions 透传关联器选项（超时、ID前缀、观测者）
func WithCorrelatorOptions(opts ...correlator.Option) Option {
	return func(c *config) { c.corrOpts = append(c.corrOpts, opts...) }
}

// WithPeriodicOptions 透传周期任务选项
func WithPeriodicOptions(opts ...periodic.Option) Option {
	return func(c *config) { c.periodicOpts = append(c.periodicOpts, opts...) }
}

func New(chargePointID string, t Transport, d *dispatch.Dispatcher, opts ...Option) *Endpoint {
	cfg := config{logger: zap.NewNop(), observer: NopObserver{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger.With(zap.String("charge_point_id", chargePointID))
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		chargePointID: chargePointID,
		transport:     t,
		dispatcher:    d,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		logger:        logger,
		observer:      cfg.observer,
	}
	corrOpts := append([]correlator.Option{correlator.WithLogger(logger)}, cfg.corrOpts...)
	e.corr = correlator.New(e.send, corrOpts...)
	periodicOpts := append([]periodic.Option{periodic.WithLogger(logger)}, cfg.periodicOpts...)
	e.tasks = periodic.NewCoordinator(ctx, periodicOpts...)
	return e
}

// ChargePointID 连接对应的充电桩ID
func (e *Endpoint) ChargePointID() string { return e.chargePointID }

// Tasks 本连接的周期任务
func (e *Endpoint) Tasks() *periodic.Coordinator { return e.tasks }

// Context 连接生命周期 ctx，Close 时取消
func (e *Endpoint) Context() context.Context { return e.ctx }

// Done 关闭后返回
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Err 关闭原因（包装 correlator.ErrConnectionClosed）
func (e *Endpoint) Err() error {
	select {
	case <-e.done:
		return e.closeErr
	default:
		return nil
	}
}

// Pending 未决调用数
func (e *Endpoint) Pending() int { return e.corr.Pending() }

// Call 向对端发起请求并等待应答
func (e *Endpoint) Call(ctx context.Context, action ocpp16.Action, payload any, timeout time.Duration) (json.RawMessage, error) {
	return e.corr.Call(ctx, action, payload, timeout)
}

// Go 在连接生命周期内运行后台工作（例如处理器中需要回调对端的后续动作，不能阻塞读循环）
func (e *Endpoint) Go(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.bgClosed {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn(e.ctx)
	}()
}

// Run 读循环，直到传输出错、ctx 取消或 Close。入站 Call 在本 goroutine 内按到达顺序处理。
func (e *Endpoint) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.Close(ctx.Err()) })
	defer stop()

	for {
		raw, err := e.transport.ReadMessage(e.ctx)
		if err != nil {
			e.Close(fmt.Errorf("read: %w", err))
			return e.closeErrWait()
		}
		e.handleFrame(raw)
	}
}

func (e *Endpoint) closeErrWait() error {
	<-e.done
	return e.closeErr
}

func (e *Endpoint) handleFrame(raw []byte) {
	e.observer.Frame(e.chargePointID, Inbound, raw)

	msg, err := ocpp16.Decode(raw)
	if err != nil {
		e.observer.Malformed(e.chargePointID, raw, err)
		id, ok := ocpp16.ExtractMessageID(raw)
		e.logger.Warn("malformed frame", zap.Error(err), zap.Bool("replied", ok), zap.ByteString("raw", truncate(raw, 256)))
		if ok {
			e.reply(ocpp16.NewCallError(id, ocpp16.ProtocolError, err.Error(), nil))
		}
		return
	}

	switch m := msg.(type) {
	case *ocpp16.Call:
		e.reply(e.dispatcher.Dispatch(e.ctx, e.chargePointID, m))
	case *ocpp16.CallResult, *ocpp16.CallError:
		e.corr.Resolve(m)
	}
}

func (e *Endpoint) reply(msg ocpp16.Message) {
	frame, err := ocpp16.Encode(msg)
	if err != nil {
		e.logger.Error("encode reply failed", zap.String("message_id", msg.ID()), zap.Error(err))
		return
	}
	if err := e.send(e.ctx, frame); err != nil {
		e.logger.Warn("send reply failed", zap.String("message_id", msg.ID()), zap.Error(err))
	}
}

// send 所有出站帧的唯一出口
func (e *Endpoint) send(ctx context.Context, frame []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	select {
	case <-e.done:
		return ErrTransportClosed
	default:
	}
	if err := e.transport.WriteMessage(ctx, frame); err != nil {
		return err
	}
	e.observer.Frame(e.chargePointID, Outbound, frame)
	return nil
}

// Close 关闭连接：先以 ConnectionClosed 结束全部未决调用（之后的 Call 立即失败），再停周期任务与后台工作，最后关闭传输。可重复调用。
// 不可在周期任务内部调用。
func (e *Endpoint) Close(reason error) {
	e.closeOnce.Do(func() {
		err := closedError(reason)
		e.corr.Close(err)

		e.bgMu.Lock()
		e.bgClosed = true
		e.bgMu.Unlock()

		e.tasks.Close()
		e.cancel()
		if cerr := e.transport.Close(); cerr != nil {
			e.logger.Debug("transport close", zap.Error(cerr))
		}
		e.closeErr = err
		close(e.done)
		e.logger.Info("connection closed", zap.Error(err))
	})
}

// Supersede 同ID重连时由注册表调用
func (e *Endpoint) Supersede() {
	e.Close(session.ErrSuperseded)
}

// Wait 等待 Go 启动的后台工作退出
func (e *Endpoint) Wait() {
	<-e.done
	e.bg.Wait()
}

func closedError(reason error) error {
	switch {
	case reason == nil:
		return correlator.ErrConnectionClosed
	case errors.Is(reason, correlator.ErrConnectionClosed):
		return reason
	default:
		return fmt.Errorf("%w: %v", correlator.ErrConnectionClosed, reason)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
