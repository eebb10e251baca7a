// Package dispatch 把入站 Call 按动作路由到已注册的处理器，并把结果转换为 CallResult/CallError。
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"go.uber.org/zap"
)

var (
	// ErrValidation 载荷不合法，回复 FormationViolation
	ErrValidation = errors.New("dispatch: payload validation failed")
	// ErrUnknownAction 注册了不在枚举内的动作
	ErrUnknownAction = errors.New("dispatch: unknown action")
	// ErrNilHandler 注册了空处理器
	ErrNilHandler = errors.New("dispatch: nil handler")
)

// Error 处理器显式指定 CallError 错误码
type Error struct {
	Code        ocpp16.ErrorCode
	Description string
	Details     any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Errorf 构造带错误码的处理器错误
func Errorf(code ocpp16.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Invalid 构造校验错误（FormationViolation）
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Request 一次入站 Call 的上下文
type Request struct {
	ChargePointID string
	MessageID     string
	Action        ocpp16.Action
	Payload       json.RawMessage
}

// Handler 动作处理器：返回可序列化的应答载荷或错误
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Handle 把强类型处理函数适配为 Handler，载荷解码失败按校验错误处理
func Handle[Req any, Conf any](fn func(ctx context.Context, req *Request, payload *Req) (*Conf, error)) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		var payload Req
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				return nil, Invalid("decode %s: %v", req.Action, err)
			}
		}
		return fn(ctx, req, &payload)
	})
}

// Validator 载荷校验（通常是 ocpp16.SchemaValidator）
type Validator interface {
	Validate(action ocpp16.Action, payload json.RawMessage) error
}

type Observer interface {
	Record(action, outcome string)
}

type ObserverFunc func(action, outcome string)

func (f ObserverFunc) Record(action, outcome string) {
	if f != nil {
		f(action, outcome)
	}
}

func NopObserver() Observer {
	return ObserverFunc(func(string, string) {})
}

// OutcomeOK 成功应答的观测标签；失败时标签为 CallError 错误码
const OutcomeOK = "ok"

// Dispatcher 动作注册表（封闭枚举）
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[ocpp16.Action]Handler

	validator Validator
	lenient   bool
	logger    *zap.Logger
	observer  Observer
}

type Option func(*Dispatcher)

func WithValidator(v Validator) Option {
	return func(d *Dispatcher) { d.validator = v }
}

// WithLenientUnknown 未注册动作回复 {"status":"Accepted"} 而不是 NotImplemented
func WithLenientUnknown(lenient bool) Option {
	return func(d *Dispatcher) { d.lenient = lenient }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[ocpp16.Action]Handler),
		logger:   zap.NewNop(),
		observer: NopObserver(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register 绑定动作与处理器，重复注册覆盖旧处理器
func (d *Dispatcher) Register(action ocpp16.Action, h Handler) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, action)
	}
	d.mu.Lock()
	d.handlers[action] = h
	d.mu.Unlock()
	return nil
}

// MustRegister 启动期注册，失败 panic
func (d *Dispatcher) MustRegister(action ocpp16.Action, h Handler) {
	if err := d.Register(action, h); err != nil {
		panic(err)
	}
}

// Registered 已注册动作数
func (d *Dispatcher) Registered() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

func (d *Dispatcher) lookup(name string) (ocpp16.Action, Handler) {
	action, ok := ocpp16.ParseAction(name)
	if !ok {
		return action, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return action, d.handlers[action]
}

// Dispatch 处理一条入站 Call，总是返回应答（CallResult 或 CallError），不返回 Go 错误
func (d *Dispatcher) Dispatch(ctx context.Context, chargePointID string, call *ocpp16.Call) ocpp16.Message {
	action, h := d.lookup(call.Action)
	if h == nil {
		if d.lenient {
			d.logger.Warn("unknown action accepted (lenient)",
				zap.String("charge_point_id", chargePointID),
				zap.String("action", call.Action))
			d.observer.Record(call.Action, OutcomeOK)
			res, _ := ocpp16.NewCallResult(call.MessageID, map[string]string{"status": "Accepted"})
			return res
		}
		d.logger.Info("unknown action",
			zap.String("charge_point_id", chargePointID),
			zap.String("action", call.Action))
		return d.fail(call, ocpp16.NotImplemented, fmt.Sprintf("action %q is not implemented", call.Action), map[string]string{"action": call.Action})
	}

	if d.validator != nil {
		if err := d.validator.Validate(action, call.Payload); err != nil {
			d.logger.Info("payload rejected",
				zap.String("charge_point_id", chargePointID),
				zap.String("message_id", call.MessageID),
				zap.String("action", call.Action),
				zap.Error(err))
			return d.fail(call, ocpp16.FormationViolation, err.Error(), nil)
		}
	}

	req := &Request{ChargePointID: chargePointID, MessageID: call.MessageID, Action: action, Payload: call.Payload}
	out, err := d.invoke(ctx, h, req)
	if err != nil {
		return d.failFromError(call, chargePointID, err)
	}

	res, err := ocpp16.NewCallResult(call.MessageID, out)
	if err != nil {
		d.logger.Error("encode handler result failed",
			zap.String("charge_point_id", chargePointID),
			zap.String("message_id", call.MessageID),
			zap.String("action", call.Action),
			zap.Error(err))
		return d.fail(call, ocpp16.InternalError, "result encoding failed", nil)
	}
	d.observer.Record(call.Action, OutcomeOK)
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *Request) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				zap.String("charge_point_id", req.ChargePointID),
				zap.String("action", string(req.Action)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, req)
}

func (d *Dispatcher) failFromError(call *ocpp16.Call, chargePointID string, err error) ocpp16.Message {
	var he *Error
	switch {
	case errors.As(err, &he):
		return d.fail(call, he.Code, he.Description, he.Details)
	case errors.Is(err, ErrValidation):
		return d.fail(call, ocpp16.FormationViolation, err.Error(), nil)
	default:
		d.logger.Error("handler failed",
			zap.String("charge_point_id", chargePointID),
			zap.String("message_id", call.MessageID),
			zap.String("action", call.Action),
			zap.Error(err))
		return d.fail(call, ocpp16.InternalError, err.Error(), nil)
	}
}

func (d *Dispatcher) fail(call *ocpp16.Call, code ocpp16.ErrorCode, desc string, details any) ocpp16.Message {
	d.observer.Record(call.Action, string(code))
	return ocpp16.NewCallError(call.MessageID, code, desc, details)
}
